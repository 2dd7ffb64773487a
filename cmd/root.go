// Package cmd wires up the CLI flags and runs the connection core.
package cmd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"termshare/client"
	"termshare/config"
	"termshare/internal/codec"
	"termshare/internal/creds"
	"termshare/internal/metrics"
	"termshare/internal/reactor"
	"termshare/internal/transport"
	"termshare/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X termshare/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the client until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg := &config.Config{
		Port:        config.DefaultPort,
		User:        config.DefaultUser,
		Compression: config.DefaultCompression,
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("termshare", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.StringArrayVarP(&cfg.Servers, "server", "s", cfg.Servers,
		"Candidate server address (repeatable; fastest wins)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Server SSH port")
	fs.StringVarP(&cfg.User, "user", "u", cfg.User, "SSH user name")
	fs.BoolVar(&cfg.Compression, "compression", cfg.Compression, "Request transport compression")

	// ── identity ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.Identity, "identity", "i", cfg.Identity,
		"SSH key file, or a key name under ~/.ssh")
	fs.StringVar(&cfg.RSAFingerprint, "rsa-fingerprint", cfg.RSAFingerprint,
		"Pinned server RSA host-key MD5 fingerprint")
	fs.StringVar(&cfg.ECDSAFingerprint, "ecdsa-fingerprint", cfg.ECDSAFingerprint,
		"Pinned server ECDSA host-key MD5 fingerprint")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("termshare %s\n", version)
		return nil
	}

	// Positional arguments are additional candidate servers.
	cfg.Servers = append(cfg.Servers, fs.Args()...)

	// No candidates from flags, positionals, or the environment: show
	// usage rather than a validation error.
	if len(cfg.Servers) == 0 {
		printUsage(fs)
		return nil
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	loop := reactor.New()
	collector := metrics.New()

	factory := func(o transport.Options) transport.Transport {
		return transport.NewSSH(o, logger)
	}
	dispatcher := client.DispatchFunc(func(m codec.Message) {
		// The terminal UI consumes these; until it is attached the
		// stream is only traced.
		logger.Debug("message kind=%d len=%d", m.Kind, len(m.Data))
	})

	sess := client.NewSession(cfg, loop, logger, creds.NewTerminal(), dispatcher, factory)
	sess.SetMetrics(collector)

	for _, addr := range cfg.Servers {
		sess.AddCandidate(addr)
	}

	loop.Run(ctx)

	logger.Verbose("session metrics: %s", collector.JSON())
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `termshare – terminal sharing client v%s

Races the candidate servers, keeps the fastest one, verifies its
pinned host-key fingerprint, and attaches the terminal session.

Usage:
  termshare -s <addr> [-s <addr> ...] [options]
  termshare [options] <addr> [addr ...]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  termshare -s fra1.example.net -s nyc1.example.net \
      --rsa-fingerprint d9:ac:...:3f
  TERMSHARE_SERVERS=fra1.example.net termshare -v
`)
}
