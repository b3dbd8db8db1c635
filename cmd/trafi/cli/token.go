package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with session tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a token pair for a user",
		Long: `Issue an access and refresh token for an existing active user without a password.
The tokens carry the user's current role. Intended for development and support work.`,
		Example: `  trafi token issue --user 0190f3b2-0000-7000-8000-000000000001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			pair, err := a.auth.IssueForUser(context.Background(), userID)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), pair)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}
