package client

import (
	"fmt"

	"termshare/config"
	"termshare/internal/codec"
	"termshare/internal/creds"
	"termshare/internal/metrics"
	"termshare/internal/reactor"
	"termshare/internal/transport"
	"termshare/util"
)

// Dispatcher receives decoded application messages in stream order.
type Dispatcher interface {
	Dispatch(msg codec.Message)
}

// DispatchFunc adapts a plain function to the Dispatcher interface.
type DispatchFunc func(codec.Message)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(m codec.Message) { f(m) }

// RetryPolicy decides if and when a candidate torn down by a transient
// transport failure re-establishes its connection.  The policy itself
// (delay, attempt budget, backoff) is deliberately not chosen here; a
// nil policy never arms the timer and a disconnected client stays
// allocated but idle.
type RetryPolicy interface {
	// ScheduleRetry may arm the candidate's reconnect timer.  Firing
	// the timer re-runs the candidate's handshake from scratch.
	ScheduleRetry(addr string, timer *reactor.Timer)
}

// Session owns the racing clients, the shared passphrase cache, and
// the encoder/decoder pair feeding the message dispatcher.  A session
// lives entirely on one reactor loop.
type Session struct {
	cfg          *config.Config
	loop         *reactor.Loop
	log          *util.Logger
	creds        creds.Provider
	metrics      *metrics.Collector
	newTransport transport.Factory
	retry        RetryPolicy

	// clients in insertion order; membership means still racing or
	// active.  Every client leaves exactly once, via kill or reconnect.
	clients []*Client

	passphrase     string
	needPassphrase bool
	promptPending  bool

	encoder *codec.Encoder
	decoder *codec.Decoder
}

// NewSession wires a session from its collaborators.  The transport
// factory exists so tests can substitute synthetic transports.
func NewSession(cfg *config.Config, loop *reactor.Loop, log *util.Logger,
	provider creds.Provider, dispatcher Dispatcher, factory transport.Factory) *Session {
	s := &Session{
		cfg:          cfg,
		loop:         loop,
		log:          log,
		creds:        provider,
		newTransport: factory,
	}
	s.encoder = codec.NewEncoder()
	s.decoder = codec.NewDecoder(func(m codec.Message) {
		dispatcher.Dispatch(m)
	})
	return s
}

// SetMetrics attaches a collector.  A nil collector is a valid no-op.
func (s *Session) SetMetrics(m *metrics.Collector) { s.metrics = m }

// SetRetryPolicy installs the reconnect policy.  Without one,
// reconnect is terminal: the client record survives but nothing ever
// re-arms it.
func (s *Session) SetRetryPolicy(p RetryPolicy) { s.retry = p }

// Encoder returns the outbound framing buffer.  Application layers
// encode messages into it; the attached client flushes them.
func (s *Session) Encoder() *codec.Encoder { return s.encoder }

// AddCandidate creates a client for one server address and starts its
// handshake on the reactor loop.
func (s *Session) AddCandidate(addr string) *Client {
	c := &Client{
		addr:    addr,
		session: s,
		state:   StateNone,
	}
	c.reconnectTimer = s.loop.NewTimer(c.restart)
	s.clients = append(s.clients, c)
	s.metrics.CandidateStarted()
	s.loop.Post(c.connect)
	return c
}

// ── Race arbitration ─────────────────────────────────────────────────

// eliminateSiblings kills every other racing client the moment the
// winner has verified the server.  Losers go quietly: a debug trace,
// no status message.  A loser holding the encoder means the
// elimination contract is broken; that is a programming error, not a
// recoverable condition.
func (s *Session) eliminateSiblings(winner *Client) {
	for _, c := range append([]*Client(nil), s.clients...) {
		if c == winner {
			continue
		}
		if c.hasEncoder {
			panic("termshare: losing candidate " + c.addr + " holds the encoder")
		}
		s.kill(c, "")
	}
}

// attachEncoder wires the surviving client to the session codec.  At
// most one client ever holds the attachment.
func (s *Session) attachEncoder(c *Client) {
	for _, other := range s.clients {
		if other != c && other.hasEncoder {
			panic("termshare: encoder already attached to " + other.addr)
		}
	}
	c.hasEncoder = true
	s.encoder.SetReadyFunc(c.flushEncoder)
	// Output queued while no client was attached goes out now.
	c.flushEncoder()
}

// ── Lifecycle & failure management ───────────────────────────────────

// kill permanently removes a client: out of the session, transport
// released, record dead.  A second kill of the same client trips the
// membership check in remove.
func (s *Session) kill(c *Client, format string, args ...interface{}) {
	s.remove(c)
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	s.teardown(c, msg)
}

// reconnect tears the transport down but keeps the client record,
// expecting a retry policy to bring it back.  Without a policy the
// record stays idle.
func (s *Session) reconnect(c *Client, format string, args ...interface{}) {
	s.remove(c)
	s.teardown(c, fmt.Sprintf(format, args...))
	s.metrics.Reconnect()
	if s.retry != nil {
		s.retry.ScheduleRetry(c.addr, c.reconnectTimer)
	}
}

// contains reports whether c is still part of the session.
func (s *Session) contains(c *Client) bool {
	for _, other := range s.clients {
		if other == c {
			return true
		}
	}
	return false
}

// remove takes c out of the client list, exactly once.  Removing a
// client that already left is a programming error.
func (s *Session) remove(c *Client) {
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
	panic("termshare: client " + c.addr + " is not in the session")
}

// teardown releases transport resources and reports the outcome.  A
// message reaches the user only when this was the last candidate still
// trying; a losing racer fails silently at debug level.
func (s *Session) teardown(c *Client, msg string) {
	if msg != "" && len(s.clients) == 0 {
		s.log.Status("%s", msg)
		s.metrics.RecordError(msg)
	} else {
		s.log.Debug("Disconnecting %s", c.addr)
	}

	if c.watch != nil {
		c.watch.Cancel()
		c.watch = nil
	}
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	if c.hasEncoder {
		c.hasEncoder = false
		s.encoder.SetReadyFunc(nil)
	}
	c.state = StateNone
}

// ── Credentials ──────────────────────────────────────────────────────

// requestPassphrase asks the credential provider for the key
// passphrase and retries client authentication once it arrives.  A
// prompt already on screen is not duplicated.
func (s *Session) requestPassphrase(c *Client) {
	if s.promptPending {
		return
	}
	s.promptPending = true
	s.creds.RequestSecret("SSH key passphrase", func(secret string) {
		s.loop.Post(func() {
			s.promptPending = false
			s.passphrase = secret
			c.advance()
		})
	})
}
