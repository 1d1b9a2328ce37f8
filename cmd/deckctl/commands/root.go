package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "deckctl",
	Short: "deckctl - command line client for the deckflow analysis API",
	Long: `deckctl uploads pitch decks, starts analyses and follows them as they run.
Every command except "token" and "health" needs a bearer token, taken from
--token or the DECKFLOW_TOKEN environment variable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("DECKFLOW_SERVER", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("DECKFLOW_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall request timeout (0 waits until the stream ends)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
