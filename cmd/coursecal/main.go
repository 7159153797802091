package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursecal/internal/config"
	"coursecal/internal/desired"
	"coursecal/internal/engine"
	"coursecal/internal/executor"
	"coursecal/internal/ics"
	appLog "coursecal/internal/log"
	"coursecal/internal/ratelimit"
	"coursecal/internal/reconcile"
	"coursecal/internal/recurrence"
	"coursecal/internal/remote"
	"coursecal/internal/remote/fake"
	"coursecal/internal/remote/google"
	"coursecal/internal/scheduler"
	"coursecal/internal/store"
	"coursecal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath  string
	coursesPath string
	listen      string
	exportPath  string
	once        bool
	dryRun      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.coursesPath != "" {
		conf.CoursesFile = flags.coursesPath
	}
	if flags.listen != "" {
		conf.Server.Listen = flags.listen
	}

	appLog.Setup(appLog.Options{Level: conf.Log.Level, Format: conf.Log.Format})
	appLog.Info("coursecal starting", "version", version)
	appLog.Info("effective config",
		"provider", conf.Calendar.Provider,
		"calendar_id", conf.Calendar.CalendarID,
		"store", conf.Store.Driver,
		"courses_file", conf.CoursesFile,
		"native_recurrence", conf.Calendar.NativeRecurrence,
		"conflict_detection", conf.Sync.ConflictDetection,
		"conflict_policy", conf.Sync.ConflictPolicy,
		"adopt_orphans", conf.Sync.AdoptOrphans,
		"refresh", conf.Schedule.Refresh,
		"listen", conf.Server.Listen,
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("coursecal failed", err)
		os.Exit(1)
	}
	appLog.Info("coursecal exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	st, err := store.Open(ctx, conf.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	limits := ratelimit.New(conf.Sync.RatePerSecond, conf.Sync.Burst)
	limits.StartCleanup(time.Minute, 10*time.Minute)
	defer limits.Stop()

	cal, credential := newCalendar(conf.Calendar)
	ecfg, err := engineConfig(conf)
	if err != nil {
		return err
	}
	ecfg.Executor.Wait = func(ctx context.Context) error {
		return limits.Wait(ctx, credential)
	}

	eng := engine.New(ecfg, engine.FileSource(conf.CoursesFile), cal, st)

	switch {
	case flags.exportPath != "":
		return exportICS(ctx, eng, conf, flags.exportPath)
	case flags.once:
		return syncOnce(ctx, eng, flags.dryRun)
	default:
		return serve(ctx, eng, conf)
	}
}

// newCalendar builds the configured provider and the credential its rate
// limit bucket is keyed by.
func newCalendar(cc config.CalendarConfig) (remote.Calendar, string) {
	switch cc.Provider {
	case "memory":
		appLog.Warn("calendar: using in-memory provider; nothing leaves this process")
		return fake.New(), "memory"
	default:
		var opts []google.Option
		if cc.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(cc.BaseURL))
		}
		return google.New(google.FileTokenSource(cc.TokenFile), opts...), cc.TokenFile
	}
}

// engineConfig maps the application configuration onto the engine's.
func engineConfig(conf *config.Config) (engine.Config, error) {
	policy, err := reconcile.ParsePolicy(conf.Sync.ConflictPolicy)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		CalendarID: conf.Calendar.CalendarID,
		Desired: desired.Options{
			Caps: recurrence.Capabilities{NativeRecurrence: conf.Calendar.NativeRecurrence},
			Recurrence: recurrence.Options{
				WeekStart:      conf.Sync.WeekStartDay(),
				WeekStartSet:   true,
				MaxOccurrences: conf.Sync.MaxOccurrences,
			},
			DefaultReminders: conf.Calendar.Reminders,
			DefaultColorID:   conf.Calendar.ColorID,
		},
		DetectConflicts: conf.Sync.ConflictDetection,
		AdoptOrphans:    conf.Sync.AdoptOrphans,
		Policy:          policy,
		Executor: executor.Options{
			Concurrency:    conf.Sync.Concurrency,
			MaxRetries:     retries(conf.Sync.MaxRetries),
			InitialBackoff: conf.Sync.InitialBackoff,
			MaxBackoff:     conf.Sync.MaxBackoff,
		},
	}, nil
}

// retries maps the config's "0 means no retries" onto the executor's
// "0 means default".
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func exportICS(ctx context.Context, eng *engine.Engine, conf *config.Config, path string) error {
	evs, err := eng.Desired(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := ics.Export(f, evs, ics.Options{Name: conf.Calendar.CalendarID}); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	appLog.Info("calendar exported", "path", path, "events", len(evs))
	return nil
}

// syncOnce runs a single sync and prints its report to stdout.
func syncOnce(ctx context.Context, eng *engine.Engine, dryRun bool) error {
	rep, err := eng.Sync(ctx, dryRun)
	if rep.RunID != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			appLog.Error("failed to write report", encErr)
		}
		logReport(rep)
	}
	return err
}

func logReport(rep executor.Report) {
	appLog.Info("sync finished",
		"run_id", rep.RunID,
		"status", rep.Status,
		"dry_run", rep.DryRun,
		"applied", rep.Applied(),
		"failed", rep.Outcomes[executor.OutcomeFailed],
		"skipped", rep.Outcomes[executor.OutcomeSkipped],
		"duration", rep.FinishedAt.Sub(rep.StartedAt),
	)
}

// serve runs the scheduler and the HTTP API until ctx is cancelled.
func serve(ctx context.Context, eng *engine.Engine, conf *config.Config) error {
	if conf.Schedule.Refresh != "" {
		sched, err := scheduler.New(conf.Schedule.Refresh, func(ctx context.Context) {
			rep, err := eng.Sync(ctx, false)
			if err != nil {
				appLog.Error("scheduled sync failed", err, "run_id", rep.RunID)
			}
			if rep.RunID != "" {
				logReport(rep)
			}
		})
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              conf.Server.Listen,
		Handler:           web.NewServer(conf, eng).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown failed", err)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/coursecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.coursesPath, "courses", "", "Path to the courses YAML (overrides config if set)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.exportPath, "export", "", "Write the desired events as an .ics file and exit")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "With -once: plan only, make no remote writes")

	flag.Parse()

	return cfg
}
