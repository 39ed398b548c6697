package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
)

const defaultTokenTTL = time.Hour

func tokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API access tokens",
	}

	var (
		userID string
		role   string
		alg    string
		ttl    time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			token, err := mintToken(v.GetString(flagSecret), alg, httpapi.Principal{UserID: userID, Role: role}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "subject (user id)")
	issue.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	issue.Flags().StringVar(&alg, "alg", "", "signing algorithm (default HS256, env JWT_ALG)")
	issue.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")

	issue.PreRun = func(*cobra.Command, []string) {
		if alg == "" {
			alg = v.GetString("jwt_alg")
		}
	}

	cmd.AddCommand(issue)
	return cmd
}

func mintToken(secret, alg string, p httpapi.Principal, ttl time.Duration) (string, error) {
	auth, err := httpapi.NewAuthenticator(httpapi.AuthConfig{Secret: secret, Algorithm: alg}, nil)
	if err != nil {
		return "", fmt.Errorf("init authenticator: %w", err)
	}
	token, err := auth.Issue(p, ttl)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}
