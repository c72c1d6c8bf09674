// oobchan - a client and reference proxy for out-of-band data channels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"oobchan/cmd"
	ocerr "oobchan/internal/errors"
)

// Exit codes: 1 for runtime failures (lookup, connect, serve), 2 for
// a bad command line or configuration.
const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	cancel()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "oobchan: %v\n", err)
	var cfgErr *ocerr.ConfigError
	if ocerr.As(err, &cfgErr) {
		os.Exit(exitUsage)
	}
	os.Exit(exitFailure)
}
