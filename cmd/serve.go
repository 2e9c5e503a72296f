package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/cache"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve screener results and run the pipeline on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		a := &api{
			ctx:             ctx,
			runner:          env.Conductor,
			records:         env.Records,
			runs:            env.Store,
			blacklist:       env.Store,
			configBlacklist: cfg.Screener.Blacklist,
			budgets:         env.Governor.Stats,
			breakers:        env.Breakers.States,
			metrics:         env.Metrics.Handler(),
		}
		defer a.wait()

		if interval := time.Duration(cfg.Server.RunIntervalMins) * time.Minute; interval > 0 {
			sched, err := startScheduler(interval, a.startRun)
			if err != nil {
				return err
			}
			defer sched.Stop()
		}
		if cfg.Server.RunOnStart {
			a.startRun()
		}

		warmCache(ctx, env.Records)

		return startServer(ctx, buildRouter(a, cfg.Server.CORSOrigins), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startScheduler runs job every interval until the returned cron is stopped.
func startScheduler(interval time.Duration, job func()) (*cron.Cron, error) {
	c := cron.New()
	if err := c.AddFunc(fmt.Sprintf("@every %s", interval), job); err != nil {
		return nil, eris.Wrap(err, "schedule runs")
	}
	c.Start()
	zap.L().Info("scheduler started", zap.Duration("interval", interval))
	return c, nil
}

// warmCache loads the records before the server accepts requests.
func warmCache(ctx context.Context, records *cache.Cache[model.Record]) {
	snap := records.Get(ctx, true, 0)
	if !snap.Loaded() {
		zap.L().Warn("cache warm-up loaded nothing, first requests will retry")
		return
	}
	zap.L().Info("cache warmed", zap.Int("records", len(snap.Records)))
}

// startServer serves h on port until ctx is done, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// runOnce executes one run on the server's lifetime context and logs the
// outcome. Overlapping triggers are dropped.
func (a *api) runOnce() {
	run, err := a.runner.Run(a.ctx)
	switch {
	case eris.Is(err, pipeline.ErrRunInProgress):
		zap.L().Info("run skipped, another run is in progress")
	case err != nil:
		zap.L().Error("scheduled run failed", zap.Error(err))
	default:
		zap.L().Info("scheduled run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("persisted", run.Persisted),
		)
	}
}

// startRun launches runOnce in the background.
func (a *api) startRun() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runOnce()
	}()
}

// wait blocks until background runs have returned.
func (a *api) wait() {
	a.wg.Wait()
}
