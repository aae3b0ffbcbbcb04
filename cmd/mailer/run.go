package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/mailer/internal/credential"
	"github.com/nhle/mailer/internal/logging"
	"github.com/nhle/mailer/internal/metrics"
	"github.com/nhle/mailer/internal/model"
	"github.com/nhle/mailer/internal/pool"
	"github.com/nhle/mailer/internal/scheduler"
	"github.com/nhle/mailer/internal/store"
	"github.com/nhle/mailer/internal/transport/dkim"
	"github.com/nhle/mailer/internal/transport/imapcopy"
	"github.com/nhle/mailer/internal/transport/smtp"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the delivery scheduler",
		Long: `Run loads the configuration, opens the database and starts the
delivery scheduler. It stops after the running cycle on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}

			cfg, err := model.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the config")

	return cmd
}

// loadEnvFile exports the variables in path. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// run starts the scheduler and blocks until ctx is done.
func run(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger) error {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	resolver, err := credential.Open(cfg.Credentials)
	if err != nil {
		return err
	}

	factory, err := newFactory(cfg, logger)
	if err != nil {
		return err
	}

	metrics.Register()
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv, err = serveMetrics(cfg.Metrics.Addr, logger)
		if err != nil {
			return err
		}
	}

	opts := scheduler.Options{
		Interval: cfg.Dispatch.Interval,
		Factory:  factory,
		Store:    s,
		Limits: pool.Limits{
			MaxConnections:           cfg.Dispatch.MaxConnections,
			MaxMessagesPerConnection: cfg.Dispatch.MaxMessagesPerConnection,
		},
		Workers: cfg.Dispatch.Workers,
		Logger:  logger,
	}
	if resolver != nil {
		opts.Resolver = resolver
	}

	sched, err := scheduler.Start(opts)
	if err != nil {
		return err
	}
	logger.Info().Str("database", cfg.Database.Path).Msg("mailer running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	sched.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("stopping metrics server")
		}
	}

	return nil
}

// newFactory builds the SMTP factory with the optional DKIM signer and
// sent-copy archiver.
func newFactory(cfg *model.AppConfig, logger zerolog.Logger) (*smtp.Factory, error) {
	opts := smtp.OptionsFromConfig(cfg.SMTP, logger)

	signer, err := dkim.New(cfg.DKIM)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		opts.Signer = signer
		logger.Info().Str("selector", signer.Selector()).Msg("dkim signing enabled")
	}

	if cfg.SentCopy.Enabled {
		archiver := imapcopy.New(imapcopy.Options{
			Mailbox:            cfg.SentCopy.Mailbox,
			DialTimeout:        cfg.SMTP.DialTimeout,
			CommandTimeout:     cfg.SMTP.CommandTimeout,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		})
		opts.Archiver = archiver
		logger.Info().Str("mailbox", archiver.Mailbox()).Msg("sent copies enabled")
	}

	return smtp.NewFactory(opts), nil
}

func serveMetrics(addr string, logger zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return srv, nil
}
