package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TERMSHARE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TERMSHARE_SERVERS"); v != "" {
		cfg.Servers = splitList(v)
	}
	if v := envInt("TERMSHARE_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("TERMSHARE_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("TERMSHARE_IDENTITY"); v != "" {
		cfg.Identity = v
	}
	if v := os.Getenv("TERMSHARE_RSA_FINGERPRINT"); v != "" {
		cfg.RSAFingerprint = v
	}
	if v := os.Getenv("TERMSHARE_ECDSA_FINGERPRINT"); v != "" {
		cfg.ECDSAFingerprint = v
	}
	if v := os.Getenv("TERMSHARE_COMPRESSION"); v != "" {
		cfg.Compression = isTrue(v)
	}
	if v := envInt("TERMSHARE_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func isTrue(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
