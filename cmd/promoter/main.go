package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode prints err and maps it onto the process exit code.
func exitCode(err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		fmt.Fprintf(os.Stderr, "promoter: %v\n", sErr)
		return sErr.ExitCode
	}
	fmt.Fprintf(os.Stderr, "promoter: %v\n", err)
	return ExitConfigError
}
