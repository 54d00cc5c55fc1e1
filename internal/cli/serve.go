package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maintflow/internal/config"
	"maintflow/internal/handlers/command"
	"maintflow/internal/ipc"
	"maintflow/internal/logging"
	"maintflow/internal/maintenance"
	"maintflow/internal/queue"
	"maintflow/internal/scheduler"
	"maintflow/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("db", "", "SQLite task database (default: <home>/tasks.db)")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics address; empty disables")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "how long to wait for running tasks on shutdown")
	serveCmd.Flags().Int("vacuum-pool-size", 10, "concurrent vacuum tasks")
	serveCmd.Flags().Int("command-pool-size", 2, "concurrent command tasks")

	bindFlag("db_path", serveCmd.Flags(), "db")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("shutdown_timeout", serveCmd.Flags(), "shutdown-timeout")
	bindFlag("workers.vacuum.pool_size", serveCmd.Flags(), "vacuum-pool-size")
	bindFlag("workers.command.pool_size", serveCmd.Flags(), "command-pool-size")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logging.WatchLevel(viper.GetViper(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	return s.run(ctx, func() {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Warn().Err(err).Msg("sd_notify ready failed")
		} else if ok {
			logger.Debug().Msg("notified systemd")
		}
	})
}

// server is the scheduler daemon: task store, worker pool, manager loop and
// the IPC socket in front of it.
type server struct {
	cfg     config.Config
	log     zerolog.Logger
	db      *sql.DB
	pg      *maintenance.PGCatalog
	mgr     *scheduler.Manager
	ipc     *ipc.Server
	metrics *http.Server
}

func newServer(cfg config.Config, logger zerolog.Logger) (*server, error) {
	db, err := queue.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	s := &server{cfg: cfg, log: logger, db: db}

	s.pg = maintenance.NewPGCatalog(pgConfig(cfg))
	pool := worker.NewPool(logger)
	if err := pool.Register(maintenance.WorkerName, maintenance.NewVacuumWorker(s.pg, s.pg, logger), cfg.Workers.VacuumPoolSize); err != nil {
		s.close()
		return nil, err
	}
	if err := pool.Register(command.WorkerName, command.New(cfg.Workers.CommandAllow, logger), cfg.Workers.CommandPoolSize); err != nil {
		s.close()
		return nil, err
	}

	s.mgr = scheduler.NewManager(queue.NewSQLiteRepo(db), pool, scheduler.Config{
		ShutdownTimeout: cfg.ShutdownTimeout,
		PurgeInterval:   cfg.PurgeInterval,
		Bootstrap:       cfg.Bootstrap,
	}, scheduler.WithLogger(logger))

	s.ipc = ipc.NewServer(s.mgr, logger)
	if err := s.ipc.Listen(cfg.SocketPath); err != nil {
		s.close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	}
	return s, nil
}

// run blocks until ctx is cancelled or a component fails. ready is called
// once recovery has finished and the socket accepts requests.
func (s *server) run(ctx context.Context, ready func()) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- s.mgr.Run(runCtx) }()

	select {
	case <-s.mgr.Started():
	case err := <-mgrDone:
		return fmt.Errorf("scheduler: %w", err)
	}

	failed := make(chan error, 2)
	go func() {
		if err := s.ipc.Serve(); err != nil {
			failed <- fmt.Errorf("ipc server: %w", err)
		}
	}()
	if s.metrics != nil {
		go func() {
			s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics server starting")
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				failed <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	s.log.Info().
		Str("socket", s.cfg.SocketPath).
		Str("db", s.cfg.DBPath).
		Msg("scheduler ready")
	if ready != nil {
		ready()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
	case runErr = <-failed:
		s.log.Error().Err(runErr).Msg("component failed, shutting down")
	case err := <-mgrDone:
		return fmt.Errorf("scheduler stopped unexpectedly: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop taking requests before the manager stops answering them.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := s.ipc.Shutdown(shutCtx); err != nil {
		s.log.Warn().Err(err).Msg("ipc shutdown")
	}
	cancel()
	if err := <-mgrDone; err != nil && runErr == nil {
		runErr = err
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(shutCtx)
	}
	s.log.Info().Msg("stopped cleanly")
	return runErr
}

func (s *server) close() {
	if s.ipc != nil {
		s.ipc.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close task store")
	}
}

func pgConfig(cfg config.Config) maintenance.PGConfig {
	return maintenance.PGConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
		MaxConns: int32(cfg.Workers.VacuumPoolSize),
	}
}
