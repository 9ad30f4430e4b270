package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"physia/backend/internal/cache"
	"physia/backend/internal/calendar"
	"physia/backend/internal/config"
	"physia/backend/internal/metrics"
	"physia/backend/internal/service/appointments"
	"physia/backend/internal/store/postgres"
	grpcTransport "physia/backend/internal/transport/grpc"
	httpTransport "physia/backend/internal/transport/http"
	"physia/backend/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "physia-server",
		Short:         "Clinic availability and booking API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("physia-server failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context())
		},
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "physia-server").Logger()
}

func runMigrations(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	withDatabase(log.Info(), cfg.DatabaseURL).Msg("connecting to database")
	db, err := postgres.Open(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		withDatabase(log.Error().Err(err), cfg.DatabaseURL).Msg("database connection failed")
		return err
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn().Err(err).Msg("database close failed")
		}
	}()

	applied, err := postgres.Migrate(ctx, db, migrations.FS)
	if err != nil {
		return err
	}
	log.Info().Int("applied", applied).Msg("migrations complete")
	return nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("grpc_addr", cfg.GRPCAddr).
		Str("log_level", cfg.LogLevel).
		Msg("starting")

	withDatabase(log.Info(), cfg.DatabaseURL).Msg("connecting to database")
	db, err := postgres.Open(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		withDatabase(log.Error().Err(err), cfg.DatabaseURL).Msg("database connection failed")
		return err
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn().Err(err).Msg("database close failed")
		}
	}()

	repo := postgres.NewRepo(db)
	m := metrics.New()

	var availabilityCache appointments.AvailabilityCache
	if cfg.RedisAddr != "" {
		client, err := cache.NewClient(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; serving availability without cache")
		} else {
			defer func() { _ = client.Close() }()
			availabilityCache = cache.NewAvailabilityCache(client, cfg.CacheTTL)
			log.Info().Str("redis_addr", cfg.RedisAddr).Dur("ttl", cfg.CacheTTL).Msg("availability cache enabled")
		}
	}

	var syncer calendar.Syncer
	if cfg.CalendarEnabled {
		g, err := calendar.NewGoogleSyncer(ctx, cfg.CalendarTimeZone, calendarOptions(cfg)...)
		if err != nil {
			return err
		}
		syncer = g
		log.Info().Str("time_zone", cfg.CalendarTimeZone).Msg("google calendar sync enabled")
	}

	availability := appointments.NewAvailabilityService(repo, appointments.AvailabilityOptions{
		Buffer:  cfg.BookingBuffer,
		Cache:   availabilityCache,
		Metrics: m,
		Logger:  log,
	})
	booking := appointments.NewBookingService(repo, appointments.BookingOptions{
		Buffer:          cfg.BookingBuffer,
		CommitBuffer:    cfg.BookingCommitBuffer,
		EnforceSchedule: cfg.BookingEnforceSchedule,
		Cache:           availabilityCache,
		Calendar:        syncer,
		CalendarTimeout: cfg.CalendarTimeout,
		Metrics:         m,
		Logger:          log,
	})

	e := httpTransport.NewServer(httpTransport.Options{
		Availability:   availability,
		Booking:        booking,
		DB:             db,
		Metrics:        m,
		Logger:         log,
		RequestTimeout: cfg.HTTPRequestTimeout,
		JWTSecret:      cfg.JWTSecret,
		RateLimit: httpTransport.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
	})
	if cfg.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty; organization routes are unauthenticated")
	}

	health := grpcTransport.NewHealthServer(db, log)
	grpcServer := grpcTransport.NewServer(health, cfg.GRPCRequestTimeout)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error().Err(err).Str("grpc_addr", cfg.GRPCAddr).Msg("grpc listen failed")
		return err
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go health.Watch(healthCtx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- e.Start(cfg.HTTPAddr)
	}()
	log.Info().Msg("servers started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("server stopped with error")
			runErr = err
		}
	}

	stopHealth()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	shutdownGRPC(log, grpcServer, cfg.ShutdownTimeout)
	if err := booking.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("calendar syncs still running at shutdown")
	}
	log.Info().Msg("stopped")
	return runErr
}

func poolConfig(cfg config.Config) postgres.PoolConfig {
	return postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
}

func calendarOptions(cfg config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CalendarCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CalendarCredentialsFile))
	}
	if cfg.CalendarEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.CalendarEndpoint))
		if cfg.CalendarCredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	return opts
}

func shutdownGRPC(log zerolog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info().Dur("timeout", timeout).Msg("shutting down grpc server")

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info().Msg("grpc server stopped")
	case <-timer.C:
		log.Warn().Msg("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func withDatabase(evt *zerolog.Event, databaseURL string) *zerolog.Event {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return evt.Str("db_url", "invalid")
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return evt.Str("db_host", host).Str("db_port", port).Str("db_name", name)
}
