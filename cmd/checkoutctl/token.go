package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"checkoutcore/internal/common/middleware"
)

type tokenConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [payer-id]",
		Short: "Issue a payer bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg tokenConfig
			if err := loadConfig(&cfg); err != nil {
				return err
			}
			accessToken, _ := cmd.Flags().GetString("access-token")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive, got %s", ttl)
			}

			token, err := middleware.IssuePayerToken([]byte(cfg.JWTSecret), args[0], accessToken, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("access-token", "", "Backend access token carried in the claims")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	return cmd
}
