package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/example/venue-scheduler/internal/auth"
	"github.com/example/venue-scheduler/internal/config"
	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/keepalive"
	"github.com/example/venue-scheduler/internal/migrate"
	"github.com/example/venue-scheduler/internal/orchestrator"
	"github.com/example/venue-scheduler/internal/sports"
	"github.com/example/venue-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the job-control API, orchestrator recovery, and session keep-alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireWebKeys(); err != nil {
				return err
			}
			log := logrus.WithField("component", "server")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			jobRepo := jobs.NewRepo(d)
			store := credStore(cfg)

			orch, err := orchestrator.New(jobRepo, cfg.DataDir, logrus.WithField("component", "orchestrator"))
			if err != nil {
				return err
			}
			if err := orch.Recover(ctx); err != nil {
				log.WithError(err).Error("job recovery")
			}

			client, err := platformClient(cfg)
			if err != nil {
				return err
			}
			ka := keepalive.New(store, keepalive.PingerFunc(func(ctx context.Context, s sports.Session) error {
				return client.WithSession(s).CheckLogin(ctx)
			}), cfg.PollInterval, logrus.WithField("component", "keepalive"))
			go func() { _ = ka.Run(ctx) }()

			ws := &web.Server{Auth: authStore, Orch: orch, Jobs: jobRepo, Creds: store, Log: log}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), log)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
