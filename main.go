// termshare - a terminal sharing client that races relay servers and
// pins their host keys.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"termshare/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "termshare: %v\n", err)
		os.Exit(1)
	}
}
