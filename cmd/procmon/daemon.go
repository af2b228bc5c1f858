package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/procmon/internal/audit"
	"github.com/fentz26/procmon/internal/config"
	"github.com/fentz26/procmon/internal/connectors/giustizia"
	"github.com/fentz26/procmon/internal/controlplane"
	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/metrics"
	"github.com/fentz26/procmon/internal/notify"
	"github.com/fentz26/procmon/internal/scheduler"
	"github.com/fentz26/procmon/internal/store"
)

var logger = loggo.GetLogger("procmon.daemon")

const shutdownTimeout = 30 * time.Second

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the procmon daemon",
	Long: `Starts the daemon: recovers interrupted runs, schedules the daily query and
serves the HTTP API until interrupted.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

// loadConfig reads the config file, .env and flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Listen = listenAddr
	}
	if f := cmd.Flags().Lookup("db"); f != nil && f.Changed {
		cfg.Database = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	return store.New(path)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger.Infof("starting procmon daemon (db %s, zone %s)", cfg.Database, loc)

	s, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Errorf("database close error: %v", err)
		}
	}()

	m := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pdr := audit.NewWriter(s)
	emitter := notify.New(s, m)
	api := giustizia.New(cfg.Giustizia(), s, giustizia.WithAuditor(pdr))

	base := cfg.SchedulerBase()
	sched := scheduler.New(s, api, emitter, base, scheduler.WithMetrics(m))
	coord := coordinator.New(s, sched, emitter, coordinator.Config{
		Location:  loc,
		Scheduler: base,
		Metrics:   m,
		Audit:     pdr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		logger.Warningf("marked %d interrupted run(s) as unknown", n)
	}

	service := controlplane.NewService(s, pdr, coord, emitter, api)
	server := controlplane.NewServer(service, cfg.Listen, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	coord.Shutdown()
	logger.Infof("shutdown complete")
	return err
}
