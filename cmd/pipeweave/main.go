package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pipeweave/internal/cli"
)

// main only wires process state (arguments, standard streams, signals) into
// cli.Run; everything else lives behind that boundary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
