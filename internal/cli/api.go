package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maintflow/internal/api"
	"maintflow/internal/ipc"
	"maintflow/internal/logging"
	"maintflow/internal/maintenance"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP front end that forwards requests to the scheduler",
	RunE:  runAPI,
}

func init() {
	apiCmd.Flags().String("addr", ":8080", "HTTP bind address")
	apiCmd.Flags().Float64("rate-limit", 20, "requests per second accepted on task routes; 0 disables")
	apiCmd.Flags().Int("rate-burst", 40, "rate limiter burst size")
	apiCmd.Flags().Bool("debug", false, "expose /debug/pprof routes")

	bindFlag("http_addr", apiCmd.Flags(), "addr")
	bindFlag("api.rate_limit", apiCmd.Flags(), "rate-limit")
	bindFlag("api.rate_burst", apiCmd.Flags(), "rate-burst")
	bindFlag("api.debug", apiCmd.Flags(), "debug")
}

func runAPI(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logging.WatchLevel(viper.GetViper(), logger)

	client := ipc.NewClient(cfg.SocketPath, 30*time.Second)
	pg := maintenance.NewPGCatalog(pgConfig(cfg))
	defer pg.Close()
	svc := maintenance.NewService(client, pg, maintenance.Target{
		Host: cfg.Postgres.Host,
		Port: cfg.Postgres.Port,
		User: cfg.Postgres.User,
	}, logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(svc, client, api.Config{
			RateLimit: cfg.APIRateLimit,
			RateBurst: cfg.APIRateBurst,
			Debug:     cfg.APIDebug,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("socket", cfg.SocketPath).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if err := client.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("scheduler is not reachable yet")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
