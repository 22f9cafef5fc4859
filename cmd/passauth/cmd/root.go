package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "passauth",
	Short: "PassAuth is a session-aware API runtime",
	Long: `PassAuth manages encrypted persisted sessions, token refresh and session
locking for account API clients, and runs a local network proxy with
per-request cancellation.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
