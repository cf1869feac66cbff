package cmd

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"ledgerflow/internal/api"
	"ledgerflow/internal/config"
	"ledgerflow/internal/handlers/hello"
	"ledgerflow/internal/handlers/payments"
	"ledgerflow/internal/handlers/ratesync"
	"ledgerflow/internal/lease"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/recurring"
	"ledgerflow/internal/scheduler"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the admin API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":8080", "HTTP bind address")
	f.String("db-driver", "sqlite", "database driver: sqlite, postgres or memory")
	f.String("db-dsn", "", "database connection string")
	f.Int("runners", scheduler.DefaultRunners, "number of concurrent job runners")
	f.Duration("tick", time.Minute, "scheduler tick interval")
	f.String("log-level", "info", "log level")

	_ = v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = v.BindPFlag("db.driver", f.Lookup("db-driver"))
	_ = v.BindPFlag("db.dsn", f.Lookup("db-dsn"))
	_ = v.BindPFlag("scheduler.runners", f.Lookup("runners"))
	_ = v.BindPFlag("scheduler.tick", f.Lookup("tick"))
	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
}

func newLogger(c config.Log) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "log.level %q", c.Level)
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var l zerolog.Logger
	if c.Format == "json" {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

// openStore returns the configured store and a function releasing it.
func openStore(c config.DB) (store.Store, func() error, error) {
	var (
		driver  string
		dialect store.Dialect
	)
	switch c.Driver {
	case "memory":
		return store.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		driver, dialect = "sqlite", store.SQLite
	case "postgres":
		driver, dialect = "postgres", store.Postgres
	default:
		return nil, nil, errors.Newf("unsupported db driver %q", c.Driver)
	}

	db, err := sql.Open(driver, c.DSN)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", driver)
	}
	if dialect == store.SQLite {
		db.SetMaxOpenConns(1) // single writer
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, errors.Wrapf(err, "connect %s", driver)
	}
	if err := store.EnsureSchema(db, dialect); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewSQLStore(db, dialect), db.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Logger = logger

	st, closeStore, err := openStore(cfg.DB)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.DB.Driver).Msg("open store")
		return err
	}
	defer closeStore()

	projector := recurring.NewProjector(st, logger)
	tasks := task.NewRegistry()
	tasks.MustRegister(
		hello.Hello{},
		ratesync.NewECB(st, cfg.ECB.BaseURL, cfg.ECB.Timeout),
		payments.NewUpdateRecurring(st, projector),
	)

	var (
		sink           metrics.Sink = metrics.NewNoopSink()
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	leases := lease.NewManager(st).WithTimings(cfg.Lease.Grace, cfg.Lease.Renew)
	svc := scheduler.NewService(st, leases, tasks,
		scheduler.Config{Interval: cfg.Scheduler.Tick, Runners: cfg.Scheduler.Runners},
		scheduler.WithMetrics(sink),
		scheduler.WithLogger(logger),
	)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(st, tasks, projector, api.Options{
			Metrics:     metricsHandler,
			EnableDebug: cfg.HTTP.Debug,
			Grace:       cfg.Lease.Grace,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.Start(gctx)
		svc.Wait()
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("db", cfg.DB.Driver).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}
