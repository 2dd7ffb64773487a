// Package client implements the connection core of termshare: it races
// candidate servers, verifies the winner's host key against a pinned
// fingerprint, authenticates the local user, and pumps the framed byte
// stream between the secure channel and the session codec.
//
// Everything in this package runs on the session's reactor loop; a
// client suspends whenever its transport reports would-block and is
// woken again by the transport's readiness channel.
package client

import (
	"termshare/internal/reactor"
	"termshare/internal/transport"
)

// Subsystem is the sub-protocol service requested once the session
// channel is open.
const Subsystem = "termshare"

// State is a client's position in the handshake.  States advance
// monotonically except that Ready re-enters itself and any state may
// drop to None on teardown.
type State int

const (
	StateNone State = iota
	StateInit
	StateConnect
	StateAuthServer
	StateAuthClient
	StateOpenChannel
	StateBootstrap
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInit:
		return "init"
	case StateConnect:
		return "connect"
	case StateAuthServer:
		return "auth-server"
	case StateAuthClient:
		return "auth-client"
	case StateOpenChannel:
		return "open-channel"
	case StateBootstrap:
		return "bootstrap"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// stepResult drives the transition loop: keep going, park until the
// next wakeup, or stop because the client tore down during the step.
type stepResult int

const (
	stepContinue stepResult = iota
	stepSuspend
	stepStop
)

// Client is one connection attempt to one candidate server.
type Client struct {
	addr    string
	session *Session

	state State
	tr    transport.Transport
	watch *reactor.Watch

	// reconnectTimer is assigned at creation and only ever armed by a
	// RetryPolicy; with no policy a disconnected client stays idle.
	reconnectTimer *reactor.Timer

	// triedPassphrase snapshots the credential offered on the last
	// auth attempt, to tailor the retry hint.
	triedPassphrase string

	// hasEncoder marks the single client wired to the session encoder.
	hasEncoder bool
}

// Addr returns the candidate server address.
func (c *Client) Addr() string { return c.addr }

// State returns the client's current handshake state.
func (c *Client) State() State { return c.state }

// connect starts (or restarts) the handshake from scratch.  A client
// that was eliminated before its first wakeup stays dead.
func (c *Client) connect() {
	if c.tr != nil || !c.session.contains(c) {
		return
	}
	c.state = StateInit
	c.advance()
}

// restart re-enters the race after a reconnectable teardown.  The
// record survived reconnect(); put it back in the session and run the
// handshake again.
func (c *Client) restart() {
	if c.tr != nil || c.state != StateNone {
		return
	}
	c.session.clients = append(c.session.clients, c)
	c.connect()
}

// onReady runs on the reactor loop for every readiness token.  Wakeups
// queued before a teardown land on StateNone and fall out immediately.
func (c *Client) onReady() {
	c.advance()
}

// advance runs the state machine as far as it can go in one wakeup:
// states fall through while work completes immediately and park the
// moment the transport reports would-block.
func (c *Client) advance() {
	for {
		switch c.step() {
		case stepContinue:
		case stepSuspend, stepStop:
			return
		}
	}
}

func (c *Client) step() stepResult {
	switch c.state {
	case StateInit:
		return c.stepInit()
	case StateConnect:
		return c.stepConnect()
	case StateAuthServer:
		return c.stepAuthServer()
	case StateAuthClient:
		return c.stepAuthClient()
	case StateOpenChannel:
		return c.stepOpenChannel()
	case StateBootstrap:
		return c.stepBootstrap()
	case StateReady:
		return c.stepReady()
	default:
		// StateNone: stale wakeup after teardown.
		return stepStop
	}
}

// ── Handshake states ─────────────────────────────────────────────────

func (c *Client) stepInit() stepResult {
	s := c.session
	tr := s.newTransport(transport.Options{
		Host:         c.addr,
		Port:         s.cfg.Port,
		User:         s.cfg.User,
		Compression:  s.cfg.Compression,
		IdentityFile: s.cfg.ResolveIdentity(),
		Verbosity:    s.cfg.Verbose,
	})
	if tr == nil {
		s.log.Fatal("cannot initialize transport for %s", c.addr)
	}
	c.tr = tr
	c.state = StateConnect
	return stepContinue
}

func (c *Client) stepConnect() stepResult {
	switch c.tr.Connect() {
	case transport.StatusAgain:
		c.ensureWatch()
		return stepSuspend
	case transport.StatusError:
		c.session.reconnect(c, "Error connecting: %s", c.tr.LastError())
		return stepStop
	}
	c.ensureWatch()
	c.session.log.Debug("Establishing connection to %s", c.addr)
	c.state = StateAuthServer
	return stepContinue
}

func (c *Client) stepAuthServer() stepResult {
	s := c.session
	algo, digest, err := c.tr.ServerKey()
	if err != nil {
		s.kill(c, "Cannot authenticate server")
		return stepStop
	}
	if digest != s.cfg.FingerprintFor(algo) {
		s.kill(c, "Cannot authenticate server")
		return stepStop
	}

	// The fastest server has been reached and verified; abort the
	// other attempts now, before any passphrase prompt could bias the
	// latency race.
	s.log.Debug("Connected to %s", c.addr)
	s.eliminateSiblings(c)
	c.state = StateAuthClient
	return stepContinue
}

func (c *Client) stepAuthClient() stepResult {
	s := c.session
	c.triedPassphrase = s.passphrase
	switch c.tr.AuthPublicKey(c.triedPassphrase) {
	case transport.AuthAgain:
		return stepSuspend
	case transport.AuthPartial, transport.AuthInfo, transport.AuthDenied:
		if c.tr.PassphraseRequired() {
			s.needPassphrase = true
		}
		killed := false
		if s.needPassphrase {
			s.requestPassphrase(c)
		} else {
			killed = true
			s.kill(c, "SSH keys not found."+
				" Run 'ssh-keygen' to create keys and try again.")
		}
		if c.triedPassphrase != "" {
			s.log.Status("Can't load SSH key." +
				" Try typing passphrase again in case of typo. ctrl-c to abort.")
		}
		if killed {
			return stepStop
		}
		return stepSuspend
	case transport.AuthError:
		s.reconnect(c, "Auth error: %s", c.tr.LastError())
		return stepStop
	case transport.AuthSuccess:
	}
	s.log.Debug("Auth successful")
	c.state = StateOpenChannel
	return stepContinue
}

func (c *Client) stepOpenChannel() stepResult {
	switch c.tr.OpenChannel() {
	case transport.StatusAgain:
		return stepSuspend
	case transport.StatusError:
		c.session.reconnect(c, "Error opening channel: %s", c.tr.LastError())
		return stepStop
	}
	c.session.log.Debug("Session channel opened, requesting %s", Subsystem)
	c.state = StateBootstrap
	return stepContinue
}

func (c *Client) stepBootstrap() stepResult {
	s := c.session
	switch c.tr.RequestSubsystem(Subsystem) {
	case transport.StatusAgain:
		return stepSuspend
	case transport.StatusError:
		s.reconnect(c, "Error initializing %s: %s", Subsystem, c.tr.LastError())
		return stepStop
	}
	s.log.Debug("Ready")

	// Writes are now performed in a blocking fashion.
	c.tr.SetBlocking(true)
	c.state = StateReady
	s.metrics.HandshakeCompleted()
	s.attachEncoder(c)
	return stepContinue
}

func (c *Client) stepReady() stepResult {
	if !c.readChannel() {
		return stepStop
	}
	if !c.tr.IsConnected() {
		c.session.reconnect(c, "Disconnected")
		return stepStop
	}
	return stepSuspend
}

// ── Channel I/O pump ─────────────────────────────────────────────────

// readChannel drains everything the transport has buffered into the
// decoder, which dispatches complete messages synchronously.  Returns
// false if the client tore down mid-drain.
func (c *Client) readChannel() bool {
	s := c.session
	for {
		buf := s.decoder.Buffer()
		n := c.tr.Read(buf)
		if n < 0 {
			s.reconnect(c, "Error reading from channel: %s", c.tr.LastError())
			return false
		}
		if n == 0 {
			return true
		}
		s.metrics.BytesReceived(int64(n))
		if err := s.decoder.Commit(n); err != nil {
			s.reconnect(c, "Error reading from channel: %s", err)
			return false
		}
	}
}

// flushEncoder writes the encoder's buffered output to the channel,
// draining exactly what the transport accepted.  Runs whenever the
// encoder signals buffered output; writes block (post-bootstrap mode).
func (c *Client) flushEncoder() {
	s := c.session
	for {
		buf := s.encoder.Bytes()
		if len(buf) == 0 {
			return
		}
		n := c.tr.Write(buf)
		if n < 0 {
			s.reconnect(c, "Error writing to channel: %s", c.tr.LastError())
			return
		}
		s.metrics.BytesSent(int64(n))
		s.encoder.Drain(n)
	}
}

// ensureWatch registers the persistent readiness watch, once.
func (c *Client) ensureWatch() {
	if c.watch != nil {
		return
	}
	c.watch = c.session.loop.Watch(c.tr.Ready(), c.onReady)
}
