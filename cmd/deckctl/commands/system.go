package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/deckflow/backend/internal/middleware"
	"github.com/spf13/cobra"
)

var (
	tokenSecret string
	tokenUser   uint
	tokenEmail  string
	tokenTTL    time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server and database health",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, ok, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("server is unhealthy")
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local development",
	Long: `Signs an HS256 token with the server's JWT secret. The secret defaults to
the JWT_SECRET environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, expiresAt, err := middleware.IssueToken(tokenSecret, tokenUser, tokenEmail, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().UintVar(&tokenUser, "user", 1, "user id claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(healthCmd, tokenCmd)
}
