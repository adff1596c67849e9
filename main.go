// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/uipilot/cmd"
	"github.com/xkilldash9x/uipilot/internal/observability"
)

// main is the entry point for the uipilot CLI application.
func main() {
	// Interrupts cancel the context; the run loop stops cooperatively and
	// reports a cancelled result before we exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
