package client

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"termshare/config"
	"termshare/internal/codec"
	"termshare/internal/metrics"
	"termshare/internal/reactor"
	"termshare/internal/transport"
	"termshare/util"
)

const (
	testRSADigest   = "d9:ac:00:11:22:33:44:55:66:77:88:99:aa:bb:cc:3f"
	testECDSADigest = "01:02:03:04:05:06:07:08:09:0a:0b:0c:0d:0e:0f:10"
)

// ── synthetic transport ──────────────────────────────────────────────

type readStep struct {
	data []byte
	fail bool
}

// fakeTransport is a scriptable Transport.  Result queues pop per
// call; an exhausted queue falls back to the happy-path default.
type fakeTransport struct {
	name   string
	events *[]string // shared call trace, ordered across fakes

	connectResults []transport.Status
	algo           string
	digest         string

	authResults []transport.AuthResult
	needPass    bool
	passphrases []string

	openResults   []transport.Status
	subsysResults []transport.Status
	subsystem     string

	reads     []readStep
	written   bytes.Buffer
	failWrite bool

	blocking  bool
	connected bool
	closed    bool
	ready     chan struct{}
}

func newFakeTransport(name string, events *[]string) *fakeTransport {
	return &fakeTransport{
		name:      name,
		events:    events,
		algo:      "ssh-rsa",
		digest:    testRSADigest,
		connected: true,
		ready:     make(chan struct{}, 1),
	}
}

func (f *fakeTransport) trace(ev string) {
	if f.events != nil {
		*f.events = append(*f.events, f.name+":"+ev)
	}
}

func popStatus(q *[]transport.Status) (transport.Status, bool) {
	if len(*q) == 0 {
		return transport.StatusOK, false
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v, true
}

func (f *fakeTransport) Connect() transport.Status {
	f.trace("connect")
	v, _ := popStatus(&f.connectResults)
	return v
}

func (f *fakeTransport) ServerKey() (string, string, error) {
	f.trace("server-key")
	return f.algo, f.digest, nil
}

func (f *fakeTransport) AuthPublicKey(passphrase string) transport.AuthResult {
	f.trace("auth")
	f.passphrases = append(f.passphrases, passphrase)
	if len(f.authResults) == 0 {
		return transport.AuthSuccess
	}
	v := f.authResults[0]
	f.authResults = f.authResults[1:]
	return v
}

func (f *fakeTransport) PassphraseRequired() bool { return f.needPass }

func (f *fakeTransport) OpenChannel() transport.Status {
	f.trace("open-channel")
	v, _ := popStatus(&f.openResults)
	return v
}

func (f *fakeTransport) RequestSubsystem(name string) transport.Status {
	f.trace("subsystem")
	f.subsystem = name
	v, _ := popStatus(&f.subsysResults)
	return v
}

func (f *fakeTransport) SetBlocking(block bool) { f.blocking = block }

func (f *fakeTransport) Read(p []byte) int {
	if len(f.reads) == 0 {
		return 0
	}
	step := f.reads[0]
	f.reads = f.reads[1:]
	if step.fail {
		return -1
	}
	return copy(p, step.data)
}

func (f *fakeTransport) Write(p []byte) int {
	if f.failWrite {
		return -1
	}
	f.written.Write(p)
	return len(p)
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) LastError() string { return "synthetic failure" }

func (f *fakeTransport) Ready() <-chan struct{} { return f.ready }

func (f *fakeTransport) Close() error {
	f.trace("close")
	f.closed = true
	return nil
}

// ── scaffolding ──────────────────────────────────────────────────────

type fakeCreds struct {
	prompts []string
	deliver func(string)
}

func (f *fakeCreds) RequestSecret(prompt string, deliver func(string)) {
	f.prompts = append(f.prompts, prompt)
	f.deliver = deliver
}

type harness struct {
	sess     *Session
	loop     *reactor.Loop
	logBuf   *bytes.Buffer
	creds    *fakeCreds
	messages []codec.Message
	mets     *metrics.Collector
}

func testConfig() *config.Config {
	return &config.Config{
		Servers:          []string{"a.example.net"},
		Port:             22,
		User:             "termshare",
		RSAFingerprint:   testRSADigest,
		ECDSAFingerprint: testECDSADigest,
	}
}

// newHarness builds a session whose transports come from the factory.
func newHarness(t *testing.T, cfg *config.Config, factory transport.Factory) *harness {
	t.Helper()
	h := &harness{
		loop:   reactor.New(),
		logBuf: &bytes.Buffer{},
		creds:  &fakeCreds{},
		mets:   metrics.New(),
	}
	logger := util.NewLogger(3)
	logger.SetTimestamps(false)
	logger.SetOutput(h.logBuf)

	h.sess = NewSession(cfg, h.loop, logger,
		h.creds,
		DispatchFunc(func(m codec.Message) { h.messages = append(h.messages, m) }),
		factory)
	h.sess.SetMetrics(h.mets)
	return h
}

func singleFactory(fk *fakeTransport) transport.Factory {
	return func(o transport.Options) transport.Transport { return fk }
}

func (h *harness) log() string { return h.logBuf.String() }

func (h *harness) statusShown() bool { return strings.Contains(h.log(), "[STS]") }

// ── scenario: single candidate success ───────────────────────────────

func TestSingleCandidateSuccess(t *testing.T) {
	var events []string
	fk := newFakeTransport("a", &events)
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if got := c.State(); got != StateReady {
		t.Fatalf("state = %v, want %v (log: %s)", got, StateReady, h.log())
	}
	if !c.hasEncoder {
		t.Error("winning client does not hold the encoder")
	}
	if !fk.blocking {
		t.Error("writes not switched to blocking mode after bootstrap")
	}
	if fk.subsystem != Subsystem {
		t.Errorf("subsystem = %q, want %q", fk.subsystem, Subsystem)
	}

	// The handshake must have visited every phase in order.
	want := []string{"a:connect", "a:server-key", "a:auth", "a:open-channel", "a:subsystem"}
	if len(events) < len(want) {
		t.Fatalf("events = %v, want prefix %v", events, want)
	}
	for i, ev := range want {
		if events[i] != ev {
			t.Fatalf("events[%d] = %q, want %q (all: %v)", i, events[i], ev, events)
		}
	}

	// Outbound flow: encoding a message reaches the channel via the
	// encoder-ready callback, in blocking mode.
	if err := h.sess.Encoder().Encode(codec.Message{Kind: 7, Data: []byte("payload")}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if h.sess.Encoder().Len() != 0 {
		t.Error("encoder not drained after ready callback")
	}
	if fk.written.Len() == 0 {
		t.Error("no bytes written to the channel")
	}
}

// ── scenario: host-key gating ────────────────────────────────────────

func TestHostKeyMismatchSoleCandidate(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.digest = "aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99"
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v", c.State(), StateNone)
	}
	if len(h.sess.clients) != 0 {
		t.Fatalf("session still holds %d clients", len(h.sess.clients))
	}
	if !fk.closed {
		t.Error("transport not released")
	}
	// Sole candidate: the failure is user-visible.
	if !strings.Contains(h.log(), "[STS] Cannot authenticate server") {
		t.Errorf("missing user-visible message, log: %s", h.log())
	}
}

func TestUnrecognizedHostKeyAlgorithmAlwaysFails(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.algo = "ssh-ed25519"
	fk.digest = testRSADigest // digest "matches", algorithm does not
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v", c.State(), StateNone)
	}
	if !strings.Contains(h.log(), "Cannot authenticate server") {
		t.Errorf("missing kill message, log: %s", h.log())
	}
}

func TestECDSAKeyUsesECDSAPin(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.algo = "ecdsa-sha2-nistp256"
	fk.digest = testECDSADigest
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateReady {
		t.Fatalf("state = %v, want %v (log: %s)", c.State(), StateReady, h.log())
	}
}

// ── scenario: two candidates, one wins ───────────────────────────────

func TestTwoCandidatesLoserEliminated(t *testing.T) {
	var events []string
	fkA := newFakeTransport("a", &events)
	fkB := newFakeTransport("b", &events)
	// B suspends in CONNECT forever; A wins.
	fkB.connectResults = []transport.Status{transport.StatusAgain, transport.StatusAgain}

	fakes := map[string]*fakeTransport{"a.example.net": fkA, "b.example.net": fkB}
	factory := func(o transport.Options) transport.Transport { return fakes[o.Host] }

	cfg := testConfig()
	cfg.Servers = []string{"b.example.net", "a.example.net"}
	h := newHarness(t, cfg, factory)

	b := h.sess.AddCandidate("b.example.net")
	h.loop.Flush() // B parks in CONNECT
	a := h.sess.AddCandidate("a.example.net")
	h.loop.Flush() // A races through and wins

	if a.State() != StateReady {
		t.Fatalf("winner state = %v, want %v (log: %s)", a.State(), StateReady, h.log())
	}
	if b.State() != StateNone {
		t.Fatalf("loser state = %v, want %v", b.State(), StateNone)
	}
	if !fkB.closed {
		t.Error("loser transport not released")
	}
	if len(h.sess.clients) != 1 || h.sess.clients[0] != a {
		t.Fatalf("session clients = %d, want only the winner", len(h.sess.clients))
	}

	// The loser dies silently: debug trace only, no status message.
	if h.statusShown() {
		t.Errorf("loser elimination produced a user-visible message: %s", h.log())
	}
	if !strings.Contains(h.log(), "Disconnecting b.example.net") {
		t.Errorf("missing debug trace for loser, log: %s", h.log())
	}

	// Elimination completes before the winner starts client auth.
	closeIdx, authIdx := -1, -1
	for i, ev := range events {
		switch ev {
		case "b:close":
			closeIdx = i
		case "a:auth":
			if authIdx == -1 {
				authIdx = i
			}
		}
	}
	if closeIdx == -1 || authIdx == -1 || closeIdx > authIdx {
		t.Errorf("loser not eliminated before winner auth: close=%d auth=%d events=%v",
			closeIdx, authIdx, events)
	}
}

func TestEncoderExclusivityInvariant(t *testing.T) {
	fkA := newFakeTransport("a", nil)
	fkB := newFakeTransport("b", nil)
	fkA.connectResults = []transport.Status{transport.StatusAgain}
	fkB.connectResults = []transport.Status{transport.StatusAgain}
	fakes := map[string]*fakeTransport{"a.example.net": fkA, "b.example.net": fkB}
	factory := func(o transport.Options) transport.Transport { return fakes[o.Host] }

	cfg := testConfig()
	cfg.Servers = []string{"a.example.net", "b.example.net"}
	h := newHarness(t, cfg, factory)

	a := h.sess.AddCandidate("a.example.net")
	b := h.sess.AddCandidate("b.example.net")
	h.loop.Flush()

	// A loser holding the encoder is a broken contract: the arbiter
	// must refuse to continue rather than limp on.
	b.hasEncoder = true
	defer func() {
		if recover() == nil {
			t.Fatal("eliminateSiblings did not panic on encoder-holding loser")
		}
	}()
	h.sess.eliminateSiblings(a)
}

// ── kill idempotence ─────────────────────────────────────────────────

func TestSecondKillPanics(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.digest = "aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa:aa"
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush() // killed on host-key mismatch

	defer func() {
		if recover() == nil {
			t.Fatal("second kill did not panic")
		}
	}()
	h.sess.kill(c, "")
}

// ── scenario: passphrase retry ───────────────────────────────────────

func TestPassphraseRetry(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.authResults = []transport.AuthResult{transport.AuthDenied, transport.AuthSuccess}
	fk.needPass = true
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateAuthClient {
		t.Fatalf("state = %v, want %v", c.State(), StateAuthClient)
	}
	if len(h.creds.prompts) != 1 || h.creds.prompts[0] != "SSH key passphrase" {
		t.Fatalf("prompts = %v", h.creds.prompts)
	}
	// First attempt offered no credential, so no retry hint yet.
	if strings.Contains(h.log(), "Try typing passphrase again") {
		t.Errorf("premature retry hint: %s", h.log())
	}

	h.creds.deliver("secret123")
	h.loop.Flush()

	if c.State() != StateReady {
		t.Fatalf("state after passphrase = %v, want %v (log: %s)", c.State(), StateReady, h.log())
	}
	want := []string{"", "secret123"}
	if len(fk.passphrases) != len(want) {
		t.Fatalf("passphrases = %v, want %v", fk.passphrases, want)
	}
	for i := range want {
		if fk.passphrases[i] != want[i] {
			t.Errorf("passphrases[%d] = %q, want %q", i, fk.passphrases[i], want[i])
		}
	}
}

func TestPassphraseDeniedAgainShowsHint(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.authResults = []transport.AuthResult{transport.AuthDenied, transport.AuthDenied}
	fk.needPass = true
	h := newHarness(t, testConfig(), singleFactory(fk))

	h.sess.AddCandidate("a.example.net")
	h.loop.Flush()
	h.creds.deliver("secret123")
	h.loop.Flush()

	if !strings.Contains(h.log(), "Try typing passphrase again in case of typo") {
		t.Errorf("missing retry hint, log: %s", h.log())
	}
	// The second denial re-prompts rather than killing the client.
	if len(h.creds.prompts) != 2 {
		t.Errorf("prompts = %v, want a re-prompt", h.creds.prompts)
	}
}

func TestNoKeysKillsWithGuidance(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.authResults = []transport.AuthResult{transport.AuthDenied}
	fk.needPass = false
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v", c.State(), StateNone)
	}
	if !strings.Contains(h.log(), "SSH keys not found. Run 'ssh-keygen'") {
		t.Errorf("missing guidance, log: %s", h.log())
	}
	if len(h.creds.prompts) != 0 {
		t.Errorf("unexpected credential prompt: %v", h.creds.prompts)
	}
}

// ── framing fidelity ─────────────────────────────────────────────────

func TestChunkedReadsReassembleMessages(t *testing.T) {
	// Frame three messages contiguously, then feed them back in
	// ragged chunks with empty notifications interleaved.
	ref := codec.NewEncoder()
	wantMsgs := []codec.Message{
		{Kind: 1, Data: []byte("first")},
		{Kind: 2, Data: bytes.Repeat([]byte{0xab}, 600)},
		{Kind: 3, Data: nil},
	}
	for _, m := range wantMsgs {
		if err := ref.Encode(m); err != nil {
			t.Fatal(err)
		}
	}
	stream := append([]byte(nil), ref.Bytes()...)

	fk := newFakeTransport("a", nil)
	sizes := []int{1, 2, 3, 5, 7, 11, 64, 200}
	for i, off := 0, 0; off < len(stream); i++ {
		n := sizes[i%len(sizes)]
		if off+n > len(stream) {
			n = len(stream) - off
		}
		fk.reads = append(fk.reads, readStep{data: stream[off : off+n]})
		if i%3 == 0 {
			fk.reads = append(fk.reads, readStep{data: nil}) // would-block
		}
		off += n
	}

	h := newHarness(t, testConfig(), singleFactory(fk))
	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	// Drive wakeups until the scripted stream is fully drained.
	for i := 0; i < len(fk.reads)+len(stream)+4 && len(fk.reads) > 0; i++ {
		c.advance()
	}

	if len(h.messages) != len(wantMsgs) {
		t.Fatalf("dispatched %d messages, want %d", len(h.messages), len(wantMsgs))
	}
	for i, got := range h.messages {
		if got.Kind != wantMsgs[i].Kind || !bytes.Equal(got.Data, wantMsgs[i].Data) {
			t.Errorf("message %d = {%d, %q}, want {%d, %q}",
				i, got.Kind, got.Data, wantMsgs[i].Kind, wantMsgs[i].Data)
		}
	}
	if h.mets.TotalBytesIn() != int64(len(stream)) {
		t.Errorf("bytes in = %d, want %d", h.mets.TotalBytesIn(), len(stream))
	}
}

// ── reconnect semantics ──────────────────────────────────────────────

func TestReadErrorReconnectsAndKeepsRecord(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.reads = []readStep{{fail: true}}
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v", c.State(), StateNone)
	}
	if len(h.sess.clients) != 0 {
		t.Fatalf("session still holds %d clients", len(h.sess.clients))
	}
	if c.tr != nil {
		t.Error("transport not released on reconnect")
	}
	// Last candidate: the failure is user-visible.
	if !strings.Contains(h.log(), "[STS] Error reading from channel") {
		t.Errorf("missing user-visible message, log: %s", h.log())
	}
	if h.mets.Reconnects() != 1 {
		t.Errorf("reconnects = %d, want 1", h.mets.Reconnects())
	}
}

func TestDisconnectReportedWhenLastCandidate(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.connected = false // dies right after bootstrap
	h := newHarness(t, testConfig(), singleFactory(fk))

	h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if !strings.Contains(h.log(), "[STS] Disconnected") {
		t.Errorf("missing disconnect message, log: %s", h.log())
	}
}

type recordingPolicy struct {
	addrs  []string
	timers []*reactor.Timer
}

func (p *recordingPolicy) ScheduleRetry(addr string, timer *reactor.Timer) {
	p.addrs = append(p.addrs, addr)
	p.timers = append(p.timers, timer)
}

func TestRetryPolicyRearmsCandidate(t *testing.T) {
	var made int
	factory := func(o transport.Options) transport.Transport {
		made++
		fk := newFakeTransport("a", nil)
		if made == 1 {
			fk.reads = []readStep{{fail: true}} // first life dies
		}
		return fk
	}
	h := newHarness(t, testConfig(), factory)
	policy := &recordingPolicy{}
	h.sess.SetRetryPolicy(policy)

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	if len(policy.addrs) != 1 || policy.addrs[0] != "a.example.net" {
		t.Fatalf("policy calls = %v", policy.addrs)
	}
	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v", c.State(), StateNone)
	}

	// The policy decides to retry: arming the timer re-runs the
	// handshake from scratch on a fresh transport.
	policy.timers[0].Arm(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	h.loop.Flush()

	if c.State() != StateReady {
		t.Fatalf("state after retry = %v, want %v (log: %s)", c.State(), StateReady, h.log())
	}
	if made != 2 {
		t.Errorf("transports made = %d, want 2", made)
	}
	if len(h.sess.clients) != 1 {
		t.Errorf("session clients = %d, want 1", len(h.sess.clients))
	}
}

func TestNilPolicyLeavesClientIdle(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.reads = []readStep{{fail: true}}
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()

	time.Sleep(10 * time.Millisecond)
	h.loop.Flush()

	if c.State() != StateNone {
		t.Errorf("state = %v, want %v (idle forever)", c.State(), StateNone)
	}
	if len(h.sess.clients) != 0 {
		t.Errorf("session clients = %d, want 0", len(h.sess.clients))
	}
}

// ── write failure ────────────────────────────────────────────────────

func TestWriteErrorReconnects(t *testing.T) {
	fk := newFakeTransport("a", nil)
	fk.failWrite = true
	h := newHarness(t, testConfig(), singleFactory(fk))

	c := h.sess.AddCandidate("a.example.net")
	h.loop.Flush()
	if c.State() != StateReady {
		t.Fatalf("state = %v, want %v", c.State(), StateReady)
	}

	if err := h.sess.Encoder().Encode(codec.Message{Kind: 1, Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	h.loop.Flush()

	if c.State() != StateNone {
		t.Fatalf("state = %v, want %v after write failure", c.State(), StateNone)
	}
	if !strings.Contains(h.log(), "Error writing to channel") {
		t.Errorf("missing write failure trace, log: %s", h.log())
	}
}
