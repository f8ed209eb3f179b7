package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/example/venue-scheduler/internal/booking"
	"github.com/example/venue-scheduler/internal/config"
	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/keepalive"
	"github.com/example/venue-scheduler/internal/migrate"
	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/orchestrator"
	"github.com/example/venue-scheduler/internal/sniper"
	"github.com/example/venue-scheduler/internal/sports"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage background booking jobs",
	}
	cmd.AddCommand(newJobCreateMonitorCmd())
	cmd.AddCommand(newJobCreateScheduleCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobActionCmd("stop", "Stop a job's process", func(o *orchestrator.Orchestrator) func(context.Context, string) error { return o.Stop }))
	cmd.AddCommand(newJobActionCmd("pause", "Suspend a monitor job without losing its state", func(o *orchestrator.Orchestrator) func(context.Context, string) error { return o.Pause }))
	cmd.AddCommand(newJobActionCmd("resume", "Resume a paused job", func(o *orchestrator.Orchestrator) func(context.Context, string) error { return o.Resume }))
	cmd.AddCommand(newJobActionCmd("delete", "Stop a job and remove its record", func(o *orchestrator.Orchestrator) func(context.Context, string) error { return o.Delete }))
	cmd.AddCommand(newJobLogsCmd())
	cmd.AddCommand(newJobRunCmd())
	return cmd
}

// withOrchestrator wires the shared setup for the control subcommands.
func withOrchestrator(fn func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := migrate.Up(ctx, d); err != nil {
			return err
		}
		repo := jobs.NewRepo(d)
		orch, err := orchestrator.New(repo, cfg.DataDir, logrus.WithField("component", "orchestrator"))
		if err != nil {
			return err
		}
		return fn(ctx, orch, repo, args)
	}
}

func newJobCreateMonitorCmd() *cobra.Command {
	var (
		name        string
		venue       string
		fieldType   string
		intervalSec int
		autoBook    bool
		hours       []int
		days        []int
		accounts    string
		requireAll  bool
		dates       string
		openHour    int
		closeHour   int
		maxRuntime  time.Duration
	)

	c := &cobra.Command{
		Use:   "create-monitor",
		Short: "Create a poll-and-decide job for a venue",
		RunE: withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error {
			spec := jobs.Spec{
				Kind: jobs.KindMonitor,
				Name: name,
				Monitor: &jobs.MonitorSpec{
					Target:             targetFrom(venue, fieldType),
					Interval:           jobs.Seconds(intervalSec),
					AutoBook:           autoBook,
					PreferredHours:     hours,
					PreferredDays:      days,
					Accounts:           splitCSV(accounts),
					RequireAllAccounts: requireAll,
					Dates:              splitCSV(dates),
					OperatingStartHour: openHour,
					OperatingEndHour:   closeHour,
					MaxRuntime:         jobs.DurationSeconds(maxRuntime),
				},
			}
			j, err := orch.Create(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job id=%s pid=%d log=%s\n", j.ID, j.PID, j.LogPath)
			return nil
		}),
	}

	c.Flags().StringVar(&name, "name", "", "job name")
	c.Flags().StringVar(&venue, "venue", "", "venue id or keyword")
	c.Flags().StringVar(&fieldType, "field-type", "", "field type id or keyword")
	c.Flags().IntVar(&intervalSec, "interval", 30, "poll interval seconds")
	c.Flags().BoolVar(&autoBook, "auto-book", false, "submit an order when a preferred slot opens")
	c.Flags().IntSliceVar(&hours, "hours", nil, "preferred start hours, e.g. 18,19")
	c.Flags().IntSliceVar(&days, "days", nil, "preferred weekdays 0=Sunday..6=Saturday")
	c.Flags().StringVar(&accounts, "accounts", "", "comma-separated account nicknames (empty = all usable)")
	c.Flags().BoolVar(&requireAll, "require-all", false, "every listed account must book before the job completes")
	c.Flags().StringVar(&dates, "dates", "", "comma-separated YYYY-MM-DD dates (empty = all open dates)")
	c.Flags().IntVar(&openHour, "open-hour", 0, "suspend polling before this hour")
	c.Flags().IntVar(&closeHour, "close-hour", 0, "suspend polling from this hour (0,0 = always on)")
	c.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "stop the job after this long (0 = never)")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("venue")
	return c
}

func newJobCreateScheduleCmd() *cobra.Command {
	var (
		name       string
		venue      string
		fieldType  string
		fireAt     string
		startHours []int
		accounts   string
		requireAll bool
		dateOffset int
		recur      bool
	)

	c := &cobra.Command{
		Use:   "create-schedule",
		Short: "Create an arm-and-fire job for a release instant",
		RunE: withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error {
			h, m, sec, err := parseFireAt(fireAt)
			if err != nil {
				return err
			}
			spec := jobs.Spec{
				Kind: jobs.KindSchedule,
				Name: name,
				Schedule: &jobs.ScheduleSpec{
					Target:             targetFrom(venue, fieldType),
					FireHour:           h,
					FireMinute:         m,
					FireSecond:         sec,
					StartHours:         startHours,
					Accounts:           splitCSV(accounts),
					RequireAllAccounts: requireAll,
					DateOffset:         dateOffset,
					RecurDaily:         recur,
				},
			}
			j, err := orch.Create(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job id=%s pid=%d log=%s\n", j.ID, j.PID, j.LogPath)
			return nil
		}),
	}

	c.Flags().StringVar(&name, "name", "", "job name")
	c.Flags().StringVar(&venue, "venue", "", "venue id or keyword")
	c.Flags().StringVar(&fieldType, "field-type", "", "field type id or keyword")
	c.Flags().StringVar(&fireAt, "fire-at", "12:00:00", "release instant HH:MM:SS")
	c.Flags().IntSliceVar(&startHours, "start-hours", nil, "candidate slot start hours in preference order")
	c.Flags().StringVar(&accounts, "accounts", "", "comma-separated account nicknames")
	c.Flags().BoolVar(&requireAll, "require-all", false, "every listed account must book")
	c.Flags().IntVar(&dateOffset, "date-offset", 7, "book the date this many days after the fire date")
	c.Flags().BoolVar(&recur, "recur", false, "rearm every day until booked or stopped")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("venue")
	_ = c.MarkFlagRequired("start-hours")
	return c
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error {
			list, err := repo.List(ctx)
			if err != nil {
				return err
			}
			for _, j := range list {
				fmt.Fprintf(os.Stdout, "id=%s kind=%s name=%q status=%s pid=%d attempts=%d booked=%d last_error=%q\n",
					j.ID, j.Kind, j.Name, j.Status, j.PID,
					j.State.BookingAttempts, j.State.SuccessfulBookings, j.LastError)
			}
			return nil
		}),
	}
}

func newJobActionCmd(use, short string, pick func(*orchestrator.Orchestrator) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error {
			if err := pick(orch)(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", use, args[0])
			return nil
		}),
	}
}

func newJobLogsCmd() *cobra.Command {
	var tail int64
	c := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the tail of a job's log file",
		Args:  cobra.ExactArgs(1),
		RunE: withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, repo *jobs.Repo, args []string) error {
			data, err := orch.TailLog(ctx, args[0], tail)
			if err != nil {
				return err
			}
			_, _ = os.Stdout.Write(data)
			return nil
		}),
	}
	c.Flags().Int64Var(&tail, "bytes", 64*1024, "trailing bytes to print")
	return c
}

// newJobRunCmd is the child-process entrypoint the orchestrator execs. One
// invocation owns one job's loop for the life of the process.
func newJobRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run <job-id>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			repo := jobs.NewRepo(d)
			j, err := repo.Get(ctx, args[0])
			if err != nil {
				return err
			}
			log := logrus.WithFields(logrus.Fields{"job": j.ID, "kind": j.Kind})
			log.Info("job process online")

			// a cancelled context must still be able to persist final status
			finalCtx := context.Background()
			status, runErr := runJob(ctx, cfg, repo, j, log)
			if runErr != nil {
				log.WithError(runErr).Error("job failed")
				_ = repo.SetError(finalCtx, j.ID, runErr.Error())
			}
			if err := repo.SetStatus(finalCtx, j.ID, status); err != nil {
				log.WithError(err).Error("persist final status")
			}
			log.WithField("status", status).Info("job process exiting")
			return nil
		},
	}
}

func runJob(ctx context.Context, cfg config.Config, repo *jobs.Repo, j jobs.Job, log *logrus.Entry) (jobs.Status, error) {
	client, err := platformClient(cfg)
	if err != nil {
		return jobs.StatusFailed, err
	}
	store := credStore(cfg)

	if j.Kind == jobs.KindKeepAlive {
		ka := keepalive.New(store, keepalive.PingerFunc(func(ctx context.Context, s sports.Session) error {
			return client.WithSession(s).CheckLogin(ctx)
		}), j.Spec.KeepAlive.Interval.Duration(), log)
		_ = ka.Run(ctx)
		return jobs.StatusStopped, nil
	}

	// polling and target resolution ride on the first usable account
	var target sports.Target
	var accountNames []string
	switch j.Kind {
	case jobs.KindMonitor:
		target, accountNames = j.Spec.Monitor.Target, j.Spec.Monitor.Accounts
	case jobs.KindSchedule:
		target, accountNames = j.Spec.Schedule.Target, j.Spec.Schedule.Accounts
	}
	usable, err := store.Usable(accountNames, time.Now())
	if err != nil {
		return jobs.StatusFailed, err
	}
	if len(usable) == 0 {
		return jobs.StatusFailed, fmt.Errorf("no usable accounts for job")
	}
	pollClient := client.WithSession(sports.Session{Cookie: usable[0].Cookie, Token: usable[0].Token})

	resolved, err := pollClient.ResolveTarget(ctx, target)
	if err != nil {
		return jobs.StatusFailed, err
	}
	log.WithFields(logrus.Fields{"venue": resolved.VenueName, "field_type": resolved.FieldTypeID}).Info("target resolved")

	mon := monitor.New(pollClient, resolved)
	engine := booking.New(mon, bookerFactory(client), store, repo, tuningFrom(cfg), log)
	if solver := ocrSolver(); solver != nil {
		engine.SetReissue(sessionReissuer(client, store, solver, cfg.CaptchaMaxRetries))
	}

	switch j.Kind {
	case jobs.KindMonitor:
		return engine.RunMonitor(ctx, j)
	case jobs.KindSchedule:
		sn := sniper.New(sniper.Config{
			FireHour:     j.Spec.Schedule.FireHour,
			FireMinute:   j.Spec.Schedule.FireMinute,
			FireSecond:   j.Spec.Schedule.FireSecond,
			WarmupLead:   cfg.WarmupLead,
			PreWindow:    cfg.FirePreWindow,
			PostWindow:   cfg.FirePostWindow,
			AttemptDelay: cfg.FireAttemptDelay,
			MaxAttempts:  cfg.FireMaxAttempts,
			RecurDaily:   j.Spec.Schedule.RecurDaily,
		}, sniper.RealClock(), log)
		offset := j.Spec.Schedule.DateOffset
		if offset == 0 {
			offset = cfg.TargetOffsetDays
		}
		return engine.RunSchedule(ctx, j, sn, offset)
	}
	return jobs.StatusFailed, fmt.Errorf("unknown job kind %q", j.Kind)
}

func targetFrom(venue, fieldType string) sports.Target {
	t := sports.Target{}
	if looksLikeID(venue) {
		t.VenueID = venue
	} else {
		t.VenueKeyword = venue
	}
	if looksLikeID(fieldType) {
		t.FieldTypeID = fieldType
	} else {
		t.FieldTypeKeyword = fieldType
	}
	return t
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseFireAt(s string) (h, m, sec int, err error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid --fire-at (want HH:MM:SS): %w", err)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
