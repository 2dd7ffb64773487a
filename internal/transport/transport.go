// Package transport defines the secure-transport surface driven by the
// client core, and implements it on golang.org/x/crypto/ssh.
//
// The interface mirrors a non-blocking handshake: multi-step operations
// return StatusAgain until background work completes, and the Ready
// channel delivers a token whenever another call may make progress.
// The core registers Ready with its reactor loop and re-enters the
// state machine on every token.
package transport

import (
	"fmt"
	"time"
)

// Status is the tri-state result of a connection-phase operation.
type Status int

const (
	StatusOK Status = iota
	StatusAgain
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAgain:
		return "again"
	default:
		return "error"
	}
}

// AuthResult is the outcome of a public-key authentication attempt.
type AuthResult int

const (
	AuthSuccess AuthResult = iota
	AuthAgain
	AuthPartial
	AuthInfo
	AuthDenied
	AuthError
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthAgain:
		return "again"
	case AuthPartial:
		return "partial"
	case AuthInfo:
		return "info"
	case AuthDenied:
		return "denied"
	default:
		return "error"
	}
}

// Options carries the per-candidate connection settings.
type Options struct {
	Host string
	Port int
	User string

	// Compression is accepted for option compatibility.
	// golang.org/x/crypto/ssh does not negotiate transport compression,
	// so the flag currently has no wire effect.
	Compression bool

	// IdentityFile is the private key offered for authentication.
	// Empty means the agent plus the default key files.
	IdentityFile string

	// ConnTimeout bounds the TCP dial.  Zero selects
	// config.DefaultConnTimeout.
	ConnTimeout time.Duration

	// Verbosity forwards the session log level to transport-layer
	// debug output.  Phase events (dial, handshake, channel,
	// subsystem) are logged only at debug verbosity.
	Verbosity int
}

// Addr returns the host:port dial address.
func (o Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Transport is one secure session to one candidate server.  All
// methods are intended to be called from a single goroutine (the
// reactor loop); implementations synchronize with their own background
// work internally.
type Transport interface {
	// Connect initiates the TCP dial and key exchange.  It returns
	// StatusAgain until the server's host key is known, StatusOK once
	// ServerKey may be consulted, and StatusError on a dial or
	// key-exchange failure.
	Connect() Status

	// ServerKey returns the server host key's algorithm name and its
	// MD5 digest as lowercase colon-separated hex.  Only valid after
	// Connect has returned StatusOK.
	ServerKey() (algo, digest string, err error)

	// AuthPublicKey attempts non-interactive public-key authentication,
	// decrypting identity keys with passphrase when needed.  It returns
	// AuthAgain while the attempt is in flight; re-invoke on readiness.
	AuthPublicKey(passphrase string) AuthResult

	// PassphraseRequired reports whether an identity key could not be
	// used because it is encrypted and no usable passphrase was
	// supplied.
	PassphraseRequired() bool

	// OpenChannel opens the session channel.  Tri-state like Connect.
	OpenChannel() Status

	// RequestSubsystem requests the named subsystem on the open
	// channel.  Tri-state like Connect.
	RequestSubsystem(name string) Status

	// SetBlocking switches writes between non-blocking and blocking
	// mode.  The handshake runs non-blocking; once the subsystem is up,
	// writes become blocking because post-handshake writes are small
	// and immediately flushable.
	SetBlocking(block bool)

	// Read copies buffered inbound channel bytes into p without
	// blocking.  It returns 0 when nothing is buffered and -1 on a
	// transport error.
	Read(p []byte) int

	// Write sends p over the channel and returns the number of bytes
	// accepted, or -1 on a transport error.
	Write(p []byte) int

	// IsConnected reports whether the underlying session is still up.
	IsConnected() bool

	// LastError returns a human-readable description of the most
	// recent failure.
	LastError() string

	// Ready delivers a token whenever a suspended operation may make
	// progress or inbound data arrives.
	Ready() <-chan struct{}

	// Close releases the session and channel.  The channel handle dies
	// with the session; there is no separate teardown.
	Close() error
}

// Factory creates a transport for one candidate.  The session core
// uses it so tests can substitute synthetic transports.
type Factory func(Options) Transport
