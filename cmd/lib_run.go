package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var exitFn = os.Exit

// Exit terminates the process, closing the debug log file first.
func Exit(code int) {
	if logDebugFile != nil {
		logDebugFile.Close()
	}
	exitFn(code)
}

// GetRunFn wraps fn so that its error is logged and the process exits with a non zero code. The
// command context is cancelled on SIGINT or SIGTERM.
func GetRunFn(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		if err := fn(cmd, args); err != nil {
			logger := log.MustLogger(cmd.Context())
			logger.Error("Failed", "err", err)
			stop()
			Exit(1)
		}
	}
}
