package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/seekchat/internal/agent"
	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/gateway"
	"github.com/soyeahso/seekchat/internal/hooks"
	"github.com/soyeahso/seekchat/internal/identity"
	"github.com/soyeahso/seekchat/internal/llm"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/quota"
	"github.com/soyeahso/seekchat/internal/store"
	"github.com/soyeahso/seekchat/internal/tools"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			srvLog, closeLog, err := logging.Open(logging.Options{
				Level: cfg.Logging.Level,
				Style: cfg.Logging.ConsoleStyle,
				File:  cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			defer closeLog()

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, cleanup, err := buildServer(cfg, srvLog)
			if err != nil {
				return err
			}
			defer cleanup()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}

// openStore opens the configured database.
func openStore(cfg config.Config, log *logging.Logger) (*store.DB, error) {
	if cfg.Database.Driver == store.DriverPostgres {
		return store.OpenDriver(store.DriverPostgres, cfg.Database.DSN, log)
	}
	return store.Open(paths.DatabasePath(cfg.Database), log)
}

// buildTools registers the web tools. Search needs an API key; without one
// the model only gets the page fetcher.
func buildTools(cfg config.ToolsConfig, log *logging.Logger) *agent.ToolRegistry {
	reg := agent.NewToolRegistry(tools.NewPageFetch(cfg.Fetch, log))
	if cfg.Search.APIKey != "" {
		reg.Register(tools.NewWebSearch(cfg.Search, log))
	} else {
		log.Warn().Msg("no search API key configured, searchWeb is unavailable")
	}
	return reg
}

// buildServer wires every component behind the gateway. The returned
// cleanup closes the database.
func buildServer(cfg config.Config, log *logging.Logger) (*gateway.Server, func(), error) {
	db, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	hookMgr := hooks.NewManager(log)
	hookMgr.LogSpans(log)

	users := store.NewUserStore(db)
	chats := store.NewChatStore(db)

	limiter := quota.New(users, store.NewUsageStore(db), quota.Options{
		DailyLimit: cfg.Quota.DailyLimit,
		Location:   cfg.Quota.Location(),
		Hooks:      hookMgr,
	}, log)

	tokens := identity.NewService(cfg.Gateway.Auth.Secret, cfg.Gateway.Auth.Issuer,
		time.Duration(cfg.Gateway.Auth.TokenTTL)*time.Hour)

	registry := llm.NewRegistryFromConfig(cfg.Model, log)
	client := agent.NewFailoverClient(registry, cfg.Model.Model, cfg.Model.Fallbacks, log)
	toolReg := buildTools(cfg.Tools, log)

	orch := agent.New(agent.Config{
		Model:       cfg.Model.Model,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		MaxSteps:    cfg.Model.MaxSteps,
		ExtraPrompt: cfg.Model.ExtraPrompt,
	}, client, toolReg, chats, hookMgr, log)

	log.Info().
		Str("provider", cfg.Model.Provider).
		Str("model", cfg.Model.Model).
		Strs("fallbacks", cfg.Model.Fallbacks).
		Int("tools", len(toolReg.Definitions())).
		Int("daily_limit", limiter.Limit()).
		Msg("chat pipeline ready")

	srv := gateway.New(cfg.Gateway, log,
		gateway.WithAuth(tokens, users),
		gateway.WithQuota(limiter),
		gateway.WithTurns(orch),
		gateway.WithChats(chats),
		gateway.WithPinger(db),
		gateway.WithHooks(hookMgr),
	)
	return srv, func() { db.Close() }, nil
}
