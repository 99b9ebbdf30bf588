package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/domain/session"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hl7"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/mllp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Patient record intake gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(brokerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", n).Msg("migrations complete")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%4d  %-30s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	})

	return cmd
}

// brokerCmd runs a loopback MLLP broker that acknowledges everything. It
// exists so the full pipeline can be exercised locally without a real
// clinical system on the other end.
func brokerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run a local MLLP broker that accepts every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			broker := mllp.NewBroker(cfg.BrokerAddr, mllp.AcceptAll())
			if err := broker.Start(); err != nil {
				return err
			}
			logger.Info().Str("addr", broker.Addr()).Msg("mllp broker listening")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info().Msg("stopping broker")
			return broker.Stop()
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Session store: Postgres when a database is configured, in-memory
	// otherwise. The in-memory store loses sessions on restart, which is
	// acceptable for development only.
	var store session.Store
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if _, err := db.NewMigrator(pool).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		store = session.NewPostgresStore(pool, cfg.SessionTTL, nil)
		logger.Info().Msg("using postgres session store")
	} else {
		store = session.NewMemoryStore(cfg.SessionTTL, nil)
		logger.Warn().Msg("no DATABASE_URL set, using in-memory session store")
	}

	client := mllp.NewClient(mllp.ClientConfig{
		Addr:        cfg.BrokerAddr,
		AckTimeout:  cfg.BrokerAckTimeout,
		MaxAttempts: cfg.BrokerMaxAttempts,
		BackoffBase: cfg.BrokerBackoffBase,
		Logger:      logger,
	})
	orch := delivery.NewOrchestrator(client, hl7.BuildConfig{
		SendingApp:   cfg.SendingApp,
		SendingFac:   cfg.SendingFac,
		ReceivingApp: cfg.ReceivingApp,
		ReceivingFac: cfg.ReceivingFac,
	}, logger)

	svc := intake.NewService(store, orch)
	handler := intake.NewHandler(svc, cfg.MaxUploadRows)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = intake.NewEchoValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("10M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if cfg.AuthSecret != "" {
		e.Use(middleware.BearerAuth([]byte(cfg.AuthSecret)))
	} else if cfg.IsProduction() {
		logger.Fatal().Msg("AUTH_SECRET is required in production")
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/healthz/db", db.HealthHandler(pool))
	}

	apiV1 := e.Group("/api/v1")
	handler.RegisterRoutes(apiV1)

	// Background sweeper destroys expired sessions so stale previews cannot
	// be confirmed and memory/table growth stays bounded.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepLoop(sweepCtx, store, logger)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("broker", cfg.BrokerAddr).Msg("intake server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func sweepLoop(ctx context.Context, store session.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx, time.Now().UTC())
			if err != nil {
				logger.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("destroyed", n).Msg("swept expired sessions")
			}
		}
	}
}
