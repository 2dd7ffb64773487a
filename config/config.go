// Package config defines the runtime configuration for termshare and
// provides helpers for validating pinned host-key fingerprints and
// resolving identity files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config holds every tuneable for a single termshare session.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Servers     []string // candidate server addresses, raced for latency
	Port        int      // server SSH port, shared by all candidates
	User        string   // SSH user name
	Compression bool

	// ── Identity ─────────────────────────────────────────────────────
	// Identity is either a path to a private key file (contains a path
	// separator) or a bare key name resolved under ~/.ssh/.  Empty
	// means agent plus the default key files.
	Identity string

	// ── Server identity pins ─────────────────────────────────────────
	// MD5 digests in lowercase colon-separated hex, compared with exact
	// string equality against the server's host key.
	RSAFingerprint   string
	ECDSAFingerprint string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// ── Fingerprint helpers ──────────────────────────────────────────────

// fingerprintRe matches lowercase colon-separated hex, e.g.
// "d9:ac:12:...:3f".  No case folding or canonicalization is applied;
// the pin must be stored exactly as it will be compared.
var fingerprintRe = regexp.MustCompile(`^([0-9a-f]{2}:)+[0-9a-f]{2}$`)

// ValidFingerprint reports whether s is a well-formed fingerprint pin.
func ValidFingerprint(s string) bool {
	return fingerprintRe.MatchString(s)
}

// FingerprintFor returns the pinned digest for the given host-key
// algorithm.  Unrecognized algorithms have no pin and therefore never
// verify.
func (c *Config) FingerprintFor(algo string) string {
	switch {
	case algo == "ssh-rsa" || strings.HasPrefix(algo, "rsa-sha2-"):
		return c.RSAFingerprint
	case strings.HasPrefix(algo, "ecdsa-sha2-"):
		return c.ECDSAFingerprint
	}
	return ""
}

// ── Identity resolution ──────────────────────────────────────────────

// ResolveIdentity expands the identity setting to a file path.  A value
// containing a path separator is used as-is; a bare name is looked up
// under the user's ~/.ssh directory.  Empty stays empty (default key
// discovery applies).
func (c *Config) ResolveIdentity() string {
	if c.Identity == "" {
		return ""
	}
	if strings.ContainsRune(c.Identity, os.PathSeparator) || strings.ContainsRune(c.Identity, '/') {
		return c.Identity
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return c.Identity
	}
	return filepath.Join(home, ".ssh", c.Identity)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server address is required (use --help for usage)")
	}
	for _, s := range c.Servers {
		if s == "" {
			return fmt.Errorf("server address must not be empty")
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user name is required")
	}
	if c.RSAFingerprint == "" && c.ECDSAFingerprint == "" {
		return fmt.Errorf("at least one server fingerprint is required " +
			"(--rsa-fingerprint or --ecdsa-fingerprint)")
	}
	if c.RSAFingerprint != "" && !ValidFingerprint(c.RSAFingerprint) {
		return fmt.Errorf("invalid RSA fingerprint %q – expected lowercase colon-separated hex", c.RSAFingerprint)
	}
	if c.ECDSAFingerprint != "" && !ValidFingerprint(c.ECDSAFingerprint) {
		return fmt.Errorf("invalid ECDSA fingerprint %q – expected lowercase colon-separated hex", c.ECDSAFingerprint)
	}
	return nil
}
