// Package creds abstracts the interactive secret prompt used for SSH
// key passphrases.  The prompt is asynchronous: the caller keeps
// running and the entered value arrives through a callback, so a
// suspended handshake can resume once the user has typed.
package creds

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Provider requests a secret from the user and delivers it through the
// supplied callback.  The callback may run on any goroutine; callers
// are responsible for marshalling it back onto their own loop.
type Provider interface {
	RequestSecret(prompt string, deliver func(secret string))
}

// Func adapts a plain function to the Provider interface.
type Func func(prompt string, deliver func(secret string))

// RequestSecret calls f.
func (f Func) RequestSecret(prompt string, deliver func(string)) {
	f(prompt, deliver)
}

// ── Terminal provider ────────────────────────────────────────────────

// Terminal prompts on the controlling terminal with echo disabled.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal returns a provider reading from stdin and prompting on
// stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// RequestSecret prompts in the background and delivers the entered
// value.  A read failure delivers an empty secret.
func (t *Terminal) RequestSecret(prompt string, deliver func(string)) {
	go func() {
		fmt.Fprintf(t.Out, "%s: ", prompt)
		secret, err := term.ReadPassword(int(t.In.Fd()))
		fmt.Fprintln(t.Out)
		if err != nil {
			deliver("")
			return
		}
		deliver(string(secret))
	}()
}
