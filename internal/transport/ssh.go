package transport

import (
	"bytes"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"termshare/config"
	ncerr "termshare/internal/errors"
	"termshare/util"
)

// SSH implements Transport on golang.org/x/crypto/ssh.
//
// The ssh package performs key exchange and authentication inside one
// blocking NewClientConn call, while the client core wants to inspect
// the host key before offering credentials.  The adapter bridges the
// two models: the handshake runs on a background goroutine whose
// HostKeyCallback parks until the core delivers a verdict, and whose
// signer callback parks until the core supplies a passphrase.  Every
// phase boundary signals the Ready channel.
type SSH struct {
	opts Options
	log  *util.Logger

	mu    sync.Mutex
	ready chan struct{}

	attempt *attempt      // current dial/handshake attempt
	hostKey ssh.PublicKey // pinned after first capture

	conn  ssh.Conn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request

	needPassphrase bool
	connected      bool
	closed         bool
	blocking       bool
	lastErr        error

	ch          ssh.Channel
	chanState   opState
	chanErr     error
	subsysState opState
	subsysErr   error

	rbuf    bytes.Buffer
	readErr error
}

type opState int

const (
	opIdle opState = iota
	opInFlight
	opDone
)

// NewSSH returns an unconnected transport for one candidate server.
func NewSSH(opts Options, log *util.Logger) *SSH {
	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}
	if opts.ConnTimeout == 0 {
		opts.ConnTimeout = config.DefaultConnTimeout
	}
	return &SSH{
		opts:  opts,
		log:   log,
		ready: make(chan struct{}, 1),
	}
}

// debugf traces adapter-phase events.  Output only appears when the
// session runs at debug verbosity; the dial and handshake goroutines
// call this, so the gate reads only immutable state.
func (t *SSH) debugf(format string, args ...interface{}) {
	if t.log == nil || t.opts.Verbosity < int(util.LogDebug) {
		return
	}
	t.log.Debug(format, args...)
}

// signal wakes the reactor watch.  The channel holds one token; a
// wakeup already pending is enough.
func (t *SSH) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// Ready implements Transport.
func (t *SSH) Ready() <-chan struct{} { return t.ready }

// ── Connect / host key ───────────────────────────────────────────────

// Connect implements Transport.  StatusOK means the server's host key
// has been captured; the handshake itself stays parked until the core
// rules on the key and supplies credentials.
func (t *SSH) Connect() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.lastErr = ncerr.ErrClosed
		return StatusError
	}
	if t.attempt == nil {
		t.attempt = t.startAttemptLocked()
	}
	a := t.attempt
	switch {
	case a.keyReady:
		if t.hostKey == nil {
			t.hostKey = a.key
		}
		return StatusOK
	case a.done && a.err != nil:
		t.lastErr = a.err
		return StatusError
	default:
		return StatusAgain
	}
}

// ServerKey implements Transport.
func (t *SSH) ServerKey() (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hostKey == nil {
		return "", "", ncerr.ErrNotConnected
	}
	return t.hostKey.Type(), ssh.FingerprintLegacyMD5(t.hostKey), nil
}

// ── Authentication ───────────────────────────────────────────────────

// AuthPublicKey implements Transport.  The first call accepts the host
// key and feeds signers into the parked handshake; subsequent calls
// poll the outcome.  An auth denial closes the underlying connection,
// so a retry with a fresh passphrase transparently starts a new
// attempt against the already-pinned host key.
func (t *SSH) AuthPublicKey(passphrase string) AuthResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.lastErr = ncerr.ErrClosed
		return AuthError
	}
	if t.connected {
		return AuthSuccess
	}
	a := t.attempt
	if a == nil {
		t.lastErr = ncerr.ErrNotConnected
		return AuthError
	}

	if a.done {
		if !a.signersFed || !isAuthFailure(a.err) {
			t.lastErr = a.err
			return AuthError
		}
		if passphrase == a.passphrase {
			return AuthDenied
		}
		// New credentials: redial.  The pinned host key is verified
		// automatically on the new attempt.
		t.attempt = t.startAttemptLocked()
		a = t.attempt
	}

	if !a.verdictDone {
		a.verdictDone = true
		a.verdict <- nil
	}

	if !a.signersFed {
		signers, needPass, err := loadSigners(t.opts.IdentityFile, passphrase)
		if needPass {
			t.needPassphrase = true
		}
		if len(signers) == 0 {
			if err != nil {
				t.lastErr = err
			}
			return AuthDenied
		}
		a.passphrase = passphrase
		a.signersFed = true
		a.signers <- signers
	}
	return AuthAgain
}

// PassphraseRequired implements Transport.
func (t *SSH) PassphraseRequired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needPassphrase
}

// ── Channel / subsystem ──────────────────────────────────────────────

// OpenChannel implements Transport.
func (t *SSH) OpenChannel() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.chanState {
	case opDone:
		if t.chanErr != nil {
			t.lastErr = t.chanErr
			return StatusError
		}
		return StatusOK
	case opInFlight:
		return StatusAgain
	}
	if t.conn == nil {
		t.lastErr = ncerr.ErrNotConnected
		return StatusError
	}
	t.chanState = opInFlight
	conn := t.conn
	go func() {
		ch, reqs, err := conn.OpenChannel("session", nil)
		t.mu.Lock()
		t.chanState = opDone
		if err != nil {
			t.chanErr = ncerr.Wrap("channel", t.opts.Addr(), err)
			t.debugf("session channel to %s refused: %v", t.opts.Addr(), err)
		} else {
			t.ch = ch
			t.debugf("session channel to %s open", t.opts.Addr())
			go ssh.DiscardRequests(reqs)
		}
		t.mu.Unlock()
		t.signal()
	}()
	return StatusAgain
}

// subsystemRequestMsg is the RFC 4254 "subsystem" request payload.
type subsystemRequestMsg struct {
	Subsystem string
}

// RequestSubsystem implements Transport.  On success the inbound read
// pump starts and Read begins returning data.
func (t *SSH) RequestSubsystem(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.subsysState {
	case opDone:
		if t.subsysErr != nil {
			t.lastErr = t.subsysErr
			return StatusError
		}
		return StatusOK
	case opInFlight:
		return StatusAgain
	}
	if t.ch == nil {
		t.lastErr = ncerr.ErrNotConnected
		return StatusError
	}
	t.subsysState = opInFlight
	ch := t.ch
	go func() {
		ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(subsystemRequestMsg{Subsystem: name}))
		if err == nil && !ok {
			err = ncerr.New("subsystem " + name + " rejected by server")
		}
		t.mu.Lock()
		t.subsysState = opDone
		if err != nil {
			t.subsysErr = ncerr.Wrap("subsystem", t.opts.Addr(), err)
			t.debugf("subsystem %s on %s refused: %v", name, t.opts.Addr(), err)
		} else {
			t.debugf("subsystem %s on %s accepted", name, t.opts.Addr())
			go t.readLoop(ch)
		}
		t.mu.Unlock()
		t.signal()
	}()
	return StatusAgain
}

// ── Data path ────────────────────────────────────────────────────────

// readLoop pumps channel bytes into the inbound buffer and signals the
// reactor for every delivery.
func (t *SSH) readLoop(ch ssh.Channel) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)
	for {
		n, err := ch.Read(*buf)
		if n > 0 {
			t.mu.Lock()
			t.rbuf.Write((*buf)[:n])
			t.mu.Unlock()
			t.signal()
		}
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.connected = false
			t.mu.Unlock()
			t.signal()
			return
		}
	}
}

// Read implements Transport.  EOF is not reported here; it surfaces as
// IsConnected turning false once the buffer is drained.
func (t *SSH) Read(p []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rbuf.Len() > 0 {
		n, _ := t.rbuf.Read(p)
		return n
	}
	if t.readErr != nil && t.readErr != io.EOF {
		t.lastErr = ncerr.Wrap("read", t.opts.Addr(), t.readErr)
		return -1
	}
	return 0
}

// Write implements Transport.  Channel writes block until the window
// allows them; the core only writes after switching to blocking mode.
func (t *SSH) Write(p []byte) int {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return -1
	}
	n, err := ch.Write(p)
	if err != nil {
		t.mu.Lock()
		t.lastErr = ncerr.Wrap("write", t.opts.Addr(), err)
		t.mu.Unlock()
		return -1
	}
	return n
}

// SetBlocking implements Transport.  The ssh channel API is already
// blocking; the flag records the mode the core expects.
func (t *SSH) SetBlocking(block bool) {
	t.mu.Lock()
	t.blocking = block
	t.mu.Unlock()
}

// IsConnected implements Transport.
func (t *SSH) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LastError implements Transport.
func (t *SSH) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr == nil {
		return ""
	}
	return t.lastErr.Error()
}

// Close implements Transport.  Closing the session also tears down the
// channel and unparks any waiting handshake.
func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	if a := t.attempt; a != nil {
		a.abortLocked()
	}
	if t.ch != nil {
		t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// ── Handshake attempts ───────────────────────────────────────────────

// attempt is one dial+handshake pass.  Auth denial kills the underlying
// connection, so a passphrase retry needs a fresh attempt; the host key
// pinned by the first attempt is enforced on every later one.
type attempt struct {
	t *SSH

	verdict chan error        // host-key verdict from the core, cap 1
	signers chan []ssh.Signer // credentials from the core, cap 1

	// all guarded by t.mu
	key         ssh.PublicKey
	keyReady    bool
	verdictDone bool
	signersFed  bool
	passphrase  string
	done        bool
	err         error
}

// startAttemptLocked launches the background dial.  Caller holds t.mu.
func (t *SSH) startAttemptLocked() *attempt {
	a := &attempt{
		t:       t,
		verdict: make(chan error, 1),
		signers: make(chan []ssh.Signer, 1),
	}
	if t.hostKey != nil {
		// Retry attempt: the key was already ruled on; the host-key
		// callback self-verifies against the pin without a verdict.
		a.verdictDone = true
	}
	go a.run()
	return a
}

// abortLocked unparks the handshake goroutine so it can fail and exit.
// Caller holds t.mu.
func (a *attempt) abortLocked() {
	if !a.verdictDone {
		a.verdictDone = true
		close(a.verdict)
	}
	if !a.signersFed {
		a.signersFed = true
		close(a.signers)
	}
}

func (a *attempt) run() {
	t := a.t
	addr := t.opts.Addr()

	d := net.Dialer{Timeout: t.opts.ConnTimeout}
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		t.debugf("dial %s failed: %v", addr, err)
		a.finish(nil, nil, nil, ncerr.Wrap("connect", addr, err))
		return
	}
	t.debugf("dial %s ok", addr)
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	cfg := &ssh.ClientConfig{
		User:            t.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(a.awaitSigners)},
		HostKeyCallback: a.checkHostKey,
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		t.debugf("handshake with %s failed: %v", addr, err)
		a.finish(nil, nil, nil, ncerr.Wrap("handshake", addr, err))
		return
	}
	t.debugf("handshake with %s complete", addr)
	a.finish(conn, chans, reqs, nil)
}

// checkHostKey captures the server key for the core and parks until
// the verdict arrives.  Retry attempts verify against the pin locally.
func (a *attempt) checkHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	t := a.t
	t.mu.Lock()
	pinned := t.hostKey
	a.key = key
	a.keyReady = true
	t.mu.Unlock()
	t.debugf("host key from %s: %s %s", hostname, key.Type(), ssh.FingerprintLegacyMD5(key))
	t.signal()

	if pinned != nil {
		if !bytes.Equal(pinned.Marshal(), key.Marshal()) {
			return ncerr.New("host key changed between attempts")
		}
		return nil
	}
	v, ok := <-a.verdict
	if !ok {
		return ncerr.ErrHostKeyRejected
	}
	return v
}

// awaitSigners parks the handshake's auth phase until the core feeds
// credentials.
func (a *attempt) awaitSigners() ([]ssh.Signer, error) {
	s, ok := <-a.signers
	if !ok {
		return nil, ncerr.New("authentication aborted")
	}
	return s, nil
}

func (a *attempt) finish(conn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, err error) {
	t := a.t
	t.mu.Lock()
	a.done = true
	a.err = err
	stale := t.closed || t.attempt != a
	if err == nil && stale {
		conn.Close()
	}
	if err == nil && !stale {
		t.conn, t.chans, t.reqs = conn, chans, reqs
		t.connected = true
		go func() {
			conn.Wait()
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			t.debugf("connection to %s closed", t.opts.Addr())
			t.signal()
		}()
		go ssh.DiscardRequests(reqs)
		go rejectChannels(chans)
	}
	t.mu.Unlock()
	t.signal()
}

// rejectChannels refuses server-initiated channels; the protocol is
// strictly client-driven.
func rejectChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		nc.Reject(ssh.Prohibited, "termshare does not accept channels")
	}
}
