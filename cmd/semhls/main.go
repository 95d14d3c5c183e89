// The semhls command chunks risk-annotated frames into HLS segments, encodes them at every
// profile and publishes tagged, incrementally grown playlists.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agleyzer/semhls/internal/errs"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps the failure class to a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	}
	switch errs.Kind(err) {
	case errs.KindConfiguration:
		return 2
	case errs.KindSourceIO:
		return 3
	case errs.KindEncoder:
		return 4
	case errs.KindConsistency:
		return 5
	default:
		return 1
	}
}
