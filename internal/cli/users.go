package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/quota"
	"github.com/soyeahso/seekchat/internal/store"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and their quota",
	}

	cmd.AddCommand(newUsersAdminCmd("grant-admin", "Exempt a user from the daily limit", true))
	cmd.AddCommand(newUsersAdminCmd("revoke-admin", "Subject a user to the daily limit again", false))
	cmd.AddCommand(newUsersUsageCmd())
	return cmd
}

// withStore opens the configured database for the duration of fn.
func withStore(fn func(cfg config.Config, db *store.DB) error) error {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}
	db, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return fn(cfg, db)
}

func newUsersAdminCmd(use, short string, admin bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ config.Config, db *store.DB) error {
				if err := store.NewUserStore(db).SetAdmin(cmd.Context(), args[0], admin); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s admin=%v\n", args[0], admin)
				return nil
			})
		},
	}
}

func newUsersUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <user-id>",
		Short: "Show today's request count for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg config.Config, db *store.DB) error {
				ctx := cmd.Context()
				users := store.NewUserStore(db)

				u, err := users.Get(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("unknown user %q", args[0])
				}
				if err != nil {
					return err
				}

				limiter := quota.New(users, store.NewUsageStore(db), quota.Options{
					DailyLimit: cfg.Quota.DailyLimit,
					Location:   cfg.Quota.Location(),
				}, log)
				d, err := limiter.Usage(ctx, u.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if d.Admin {
					fmt.Fprintf(out, "%s: %d requests today (admin, unlimited)\n", u.ID, d.Used)
					return nil
				}
				fmt.Fprintf(out, "%s: %d/%d requests today, resets %s\n",
					u.ID, d.Used, d.Limit, d.ResetAt.Format("2006-01-02 15:04 MST"))
				return nil
			})
		},
	}
}
