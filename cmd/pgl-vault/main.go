package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-vault/cmd"
	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

func main() {
	// Set up a context that is canceled when an interrupt or termination signal
	// is received. In-flight sources stop at their next stage boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plog.Debug("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	code := cmd.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
