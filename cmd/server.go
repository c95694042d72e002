package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/prebook/internal/auth"
	"github.com/example/prebook/internal/batch"
	"github.com/example/prebook/internal/config"
	"github.com/example/prebook/internal/db"
	"github.com/example/prebook/internal/executor"
	"github.com/example/prebook/internal/migrate"
	"github.com/example/prebook/internal/prebooking"
	"github.com/example/prebook/internal/session"
	"github.com/example/prebook/internal/token"
	"github.com/example/prebook/internal/trigger"
	"github.com/example/prebook/internal/upstream"
	"github.com/example/prebook/internal/web"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool
	var withBatch bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the webhook server (and optionally the batch fallback scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			repo := prebooking.NewRepo(d)

			sessions, err := session.NewStore(d, cfg.CredKey)
			if err != nil {
				return fmt.Errorf("session store: %w", err)
			}

			client := upstream.New(cfg.UpstreamBaseURL)
			guard := session.NewGuard(sessions, client, cfg.SessionStaleness)
			codec := token.New(cfg.TokenHashKey, cfg.TokenMaxAge)

			exec := executor.New(repo, guard, client, codec, cfg.ExecDeadline)

			var tr trigger.Trigger
			if cfg.TriggerBaseURL != "" {
				tr = trigger.NewHTTP(cfg.TriggerBaseURL, cfg.TriggerAuthToken, cfg.BaseURL+"/hooks/trigger")
			} else {
				// no external scheduler configured; wake ourselves up
				tr = trigger.NewInProcess(func(p trigger.Payload) {
					_, _ = exec.Handle(ctx, p)
				})
			}

			sched := &executor.Scheduler{
				Trigger:     tr,
				Tokens:      codec,
				Refs:        repo,
				EarlyOffset: cfg.EarlyOffset,
			}

			if withBatch {
				b := &batch.Scheduler{
					Store:    repo,
					Exec:     exec,
					Interval: cfg.BatchPollInterval,
					Window:   cfg.BatchPollInterval,
					Stagger:  cfg.BatchStagger,
				}
				go func() { _ = b.Run(ctx) }()
			}

			ws := &web.Server{
				Auth:        authStore,
				Prebookings: repo,
				Executor:    exec,
				Scheduler:   sched,
				Trigger:     tr,
			}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes())
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&withBatch, "batch", false, "also run the polling fallback scheduler")

	return cmd
}
