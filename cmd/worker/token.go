package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"voice-platform/internal/auth"
	"voice-platform/internal/config"
	"voice-platform/internal/rbac"
)

// newIssueTokenCmd mints a token pair for operators and local dashboards. Credentials are not
// checked here; whoever holds JWT_SECRET can already sign tokens.
func newIssueTokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an access/refresh token pair signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			if !rbac.Known(role) {
				return errors.New("--role must be admin, agent or viewer")
			}

			config.LoadDotEnv()
			m, err := auth.NewManager(config.AuthConfig{
				JWTSecret:      os.Getenv("JWT_SECRET"),
				JWTIssuer:      os.Getenv("JWT_ISSUER"),
				JWTAudience:    os.Getenv("JWT_AUDIENCE"),
				AccessTokenTTL: ttl,
			})
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), userID, role)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"access_token":  pair.AccessToken,
				"refresh_token": pair.RefreshToken,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed")
	cmd.Flags().StringVar(&role, "role", rbac.RoleViewer, "role to embed (admin, agent, viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "access token lifetime")
	return cmd
}
