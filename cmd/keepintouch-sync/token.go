package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage stored OAuth connections",
	}
	cmd.AddCommand(newTokenSetCmd())
	return cmd
}

func newTokenSetCmd() *cobra.Command {
	var (
		userID       string
		refreshToken string
		accessToken  string
		expiresIn    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a user's Google refresh token, clearing any reauthorization flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || refreshToken == "" {
				return errors.New("--user-id and --refresh-token are required")
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			token := &models.OAuthToken{
				UserID:       userID,
				Provider:     models.SourceGoogle,
				RefreshToken: &refreshToken,
			}
			if accessToken != "" {
				expiresAt := time.Now().Add(expiresIn)
				token.AccessToken = &accessToken
				token.ExpiresAt = &expiresAt
			}

			if err := a.tokens.Save(cmd.Context(), token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored google connection for user %s\n", userID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "application user id")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "optional current access token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", time.Hour, "remaining lifetime of --access-token")
	return cmd
}
