package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"talkingheads/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if services.KindOf(err) != services.KindCancelled {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(services.ExitCode(err))
	}
}
