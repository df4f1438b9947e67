package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"kestrel/cmd/kestrel/cmd"
)

func main() {
	// Cancelled on SIGINT or SIGTERM; serve and dev shut the host down when it is.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
