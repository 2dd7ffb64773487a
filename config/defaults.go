package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22

	// DefaultUser is the SSH user every termshare server authenticates.
	DefaultUser = "termshare"

	// DefaultCompression requests transport compression.  The adapter
	// may not be able to honor it; the option is still negotiable per
	// session.
	DefaultCompression = true

	// DefaultConnTimeout bounds the TCP dial of a single candidate.
	DefaultConnTimeout = 30 * time.Second
)
