package main

import (
	"errors"
	"fmt"
	"time"

	httpServer "github.com/adwski/exam-liveroom/backend/server/http"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue api token for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("secret is required")
			}
			token, err := httpServer.NewAuthenticator(secret).NewToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret, same as server jwt-secret")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&role, "role", "r", httpServer.RoleExaminer, "examiner, examinee, parent or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
