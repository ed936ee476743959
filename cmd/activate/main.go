// Command activate negotiates Transfer API endpoint activation.
//
// Usage:
//
//	activate requirements <endpoint>
//	activate deactivate <endpoint>
//	activate autoactivate <endpoint>
//	activate delegate-proxy <endpoint> [--credential FILE] [--hours N]
//	activate myproxy <endpoint> --myproxy-username NAME [--hostname HOST]
//
// Settings come from --config (YAML), then the environment, then flags.
// The MyProxy passphrase is read from MYPROXY_PASSPHRASE.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/mauriciomferz/transfer-activation/activation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "activate:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the endpoint does not offer the requested method, so
// scripts can fall back to another one.
func exitCode(err error) int {
	if errors.Is(err, activation.ErrUnsupported) {
		return 2
	}
	return 1
}
