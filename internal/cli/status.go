package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show seekchat status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seekchat %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}

			fmt.Fprintf(out, "Gateway:  port=%d bind=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.TLS.Enabled)

			switch cfg.Database.Driver {
			case "postgres":
				fmt.Fprintln(out, "Database: postgres")
			default:
				fmt.Fprintf(out, "Database: sqlite %s\n", paths.DatabasePath(cfg.Database))
			}

			model := cfg.Model.Model
			if len(cfg.Model.Fallbacks) > 0 {
				model += " (fallbacks: " + strings.Join(cfg.Model.Fallbacks, ", ") + ")"
			}
			fmt.Fprintf(out, "Model:    %s %s, max steps %d\n", cfg.Model.Provider, model, cfg.Model.MaxSteps)

			search := "disabled (no API key)"
			if cfg.Tools.Search.APIKey != "" {
				search = "enabled"
			}
			fmt.Fprintf(out, "Search:   %s\n", search)

			tz := cfg.Quota.Timezone
			if tz == "" {
				tz = "local"
			}
			fmt.Fprintf(out, "Quota:    %d requests/day (%s)\n", cfg.Quota.DailyLimit, tz)

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
