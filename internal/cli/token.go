package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/identity"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(newTokenVerifyCmd())
	return cmd
}

func tokenService(cfg config.Config, ttl time.Duration) (*identity.Service, error) {
	if cfg.Gateway.Auth.Secret == "" {
		return nil, errors.New("gateway.auth.secret is not set")
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Gateway.Auth.TokenTTL) * time.Hour
	}
	return identity.NewService(cfg.Gateway.Auth.Secret, cfg.Gateway.Auth.Issuer, ttl), nil
}

func newTokenIssueCmd() *cobra.Command {
	var (
		email string
		name  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			svc, err := tokenService(cfg, ttl)
			if err != nil {
				return err
			}
			tok, err := svc.Issue(domain.Identity{UserID: args[0], Email: email, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default gateway.auth.tokenTtlHours)")
	return cmd
}

func newTokenVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a session token and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			svc, err := tokenService(cfg, 0)
			if err != nil {
				return err
			}
			id, err := svc.Verify(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user=%s email=%s name=%s\n", id.UserID, id.Email, id.Name)
			return nil
		},
	}
}
