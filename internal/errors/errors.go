// Package errors provides domain-specific error types for termshare.
//
// These types carry structured context (operation, address) that helps
// callers decide how to handle failures and provides better diagnostics
// than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected    = errors.New("not connected")
	ErrAuthDenied      = errors.New("authentication denied")
	ErrHostKeyRejected = errors.New("host key rejected")
	ErrClosed          = errors.New("transport is closed")
)

// ── Structured error types ───────────────────────────────────────────

// TransportError represents a failure in a secure-transport operation.
type TransportError struct {
	Op   string // operation: "connect", "handshake", "channel", "subsystem", "read", "write"
	Addr string // server address involved
	Err  error  // underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KeyError represents a failure to load or decrypt an identity key.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %s: %v", e.Path, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a TransportError.
func Wrap(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Err: err}
}

// WrapKey creates a KeyError.
func WrapKey(path string, err error) *KeyError {
	return &KeyError{Path: path, Err: err}
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use termshare/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }
