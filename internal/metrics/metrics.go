// Package metrics provides lightweight, lock-free counters for
// tracking runtime statistics of a termshare session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a termshare session.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	candidatesTotal     atomic.Int64
	handshakesCompleted atomic.Int64
	bytesIn             atomic.Int64
	bytesOut            atomic.Int64
	reconnects          atomic.Int64
	errorsTotal         atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Candidate metrics ────────────────────────────────────────────────

// CandidateStarted records one candidate server entering the race.
func (c *Collector) CandidateStarted() {
	if c == nil {
		return
	}
	c.candidatesTotal.Add(1)
}

// HandshakeCompleted records a candidate reaching the ready state.
func (c *Collector) HandshakeCompleted() {
	if c == nil {
		return
	}
	c.handshakesCompleted.Add(1)
}

// Candidates returns the lifetime candidate count.
func (c *Collector) Candidates() int64 {
	if c == nil {
		return 0
	}
	return c.candidatesTotal.Load()
}

// Handshakes returns how many candidates completed the handshake.
func (c *Collector) Handshakes() int64 {
	if c == nil {
		return 0
	}
	return c.handshakesCompleted.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes drained from the channel.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the channel.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Lifecycle metrics ────────────────────────────────────────────────

// Reconnect records a transient transport teardown.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnect count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime              string `json:"uptime"`
	CandidatesTotal     int64  `json:"candidates_total"`
	HandshakesCompleted int64  `json:"handshakes_completed"`
	BytesIn             int64  `json:"bytes_in"`
	BytesOut            int64  `json:"bytes_out"`
	Reconnects          int64  `json:"reconnects"`
	ErrorsTotal         int64  `json:"errors_total"`
	LastError           string `json:"last_error,omitempty"`
	LastErrorMessage    string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:              time.Since(c.startTime).Truncate(time.Second).String(),
		CandidatesTotal:     c.candidatesTotal.Load(),
		HandshakesCompleted: c.handshakesCompleted.Load(),
		BytesIn:             c.bytesIn.Load(),
		BytesOut:            c.bytesOut.Load(),
		Reconnects:          c.reconnects.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
