package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haiwatch/haiwatch/internal/config"
	"github.com/haiwatch/haiwatch/internal/domain/alerts"
	"github.com/haiwatch/haiwatch/internal/domain/cluster"
	"github.com/haiwatch/haiwatch/internal/domain/detection"
	"github.com/haiwatch/haiwatch/internal/domain/ledger"
	"github.com/haiwatch/haiwatch/internal/platform/db"
	"github.com/haiwatch/haiwatch/internal/platform/fhirclient"
	"github.com/haiwatch/haiwatch/internal/platform/middleware"
	"github.com/haiwatch/haiwatch/internal/platform/telemetry"
)

// AlertFeedAdapter adapts the alert store to the cluster.CaseFeed
// interface, avoiding a circular import between the alerts and cluster
// packages. Resistant-organism alerts are the confirmed-case feed: they
// carry the infection type and unit clustering groups by.
type AlertFeedAdapter struct {
	repo alerts.Repository
}

// NewAlertFeedAdapter creates a new adapter.
func NewAlertFeedAdapter(repo alerts.Repository) *AlertFeedAdapter {
	return &AlertFeedAdapter{repo: repo}
}

// ConfirmedCases implements cluster.CaseFeed.
func (a *AlertFeedAdapter) ConfirmedCases(ctx context.Context, since time.Time) ([]cluster.ConfirmedCase, error) {
	found, err := a.repo.ListByTypeSince(ctx, string(detection.TypeResistantOrganism), since)
	if err != nil {
		return nil, err
	}

	var cases []cluster.ConfirmedCase
	for _, al := range found {
		cases = append(cases, cluster.ConfirmedCase{
			SourceType:    al.Type,
			SourceID:      al.SourceID,
			PatientID:     al.PatientID,
			InfectionType: al.InfectionType,
			Unit:          al.Unit,
			OccurredAt:    al.CreatedAt,
		})
	}
	return cases, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "haiwatch-server",
		Short: "Hospital-acquired infection surveillance server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the surveillance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection cycle and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeFlag, _ := cmd.Flags().GetString("type")
			lookback, _ := cmd.Flags().GetInt("lookback")

			typ, err := detection.ParseType(typeFlag)
			if err != nil {
				return err
			}

			logger := newLogger()
			cfg, pool, err := bootstrap(logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			detector, _, err := buildServices(cfg, pool, logger, telemetry.New())
			if err != nil {
				return err
			}

			if lookback <= 0 {
				lookback = cfg.LookbackHours
			}
			summary, err := detector.RunCycle(context.Background(), typ, lookback)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().String("type", "", "Surveillance type (resistant_organism | coverage_mismatch | inadequate_coverage)")
	cmd.Flags().Int("lookback", 0, "Lookback window in hours (default LOOKBACK_HOURS)")
	cmd.MarkFlagRequired("type")
	return cmd
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run one outbreak clustering cycle and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")

			logger := newLogger()
			cfg, pool, err := bootstrap(logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, clusterer, err := buildServices(cfg, pool, logger, telemetry.New())
			if err != nil {
				return err
			}

			summary, err := clusterer.RunCycle(context.Background(), days)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().Int("days", 0, "Lookback window in days (default CLUSTER_WINDOW_DAYS)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func bootstrap(logger zerolog.Logger) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")
	return cfg, pool, nil
}

func buildFHIRClient(cfg *config.Config, metrics *telemetry.Metrics) (fhirclient.Client, error) {
	var tokens fhirclient.TokenSource
	switch cfg.FHIRAuthMode {
	case "oauth":
		ts, err := fhirclient.NewBackendServicesTokenSource(
			cfg.FHIRTokenURL, cfg.FHIRClientID, cfg.FHIRPrivateKeyPEM, cfg.FHIRScopes)
		if err != nil {
			return nil, fmt.Errorf("configure backend-services auth: %w", err)
		}
		tokens = ts
	default:
		if cfg.FHIRBearerToken != "" {
			tokens = fhirclient.StaticToken(cfg.FHIRBearerToken)
		}
	}

	return fhirclient.NewHTTPClient(fhirclient.Options{
		BaseURL:      cfg.FHIRBaseURL,
		Timeout:      time.Duration(cfg.FHIRTimeoutSecs) * time.Second,
		RateLimitRPS: cfg.FHIRRateLimitRPS,
		Tokens:       tokens,
		Metrics:      metrics,
	})
}

func buildServices(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, metrics *telemetry.Metrics) (*detection.Service, *cluster.Service, error) {
	fhir, err := buildFHIRClient(cfg, metrics)
	if err != nil {
		return nil, nil, err
	}

	alertRepo := alerts.NewRepoPG(pool)
	emitter := alerts.NewService(alertRepo, logger, metrics)

	detector := detection.NewService(fhir, ledger.NewRepoPG(pool), emitter, logger, metrics, detection.Config{
		Workers:            cfg.DetectionWorkers,
		OnsetThresholdDays: cfg.OnsetThresholdDays,
		PatientCacheSize:   cfg.PatientCacheSize,
	})

	clusterer := cluster.NewService(cluster.NewRepoPG(pool), NewAlertFeedAdapter(alertRepo), emitter, logger, metrics, cluster.Config{
		WindowDays:     cfg.ClusterWindowDays,
		MinClusterSize: cfg.MinClusterSize,
	})

	return detector, clusterer, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServer() error {
	logger := newLogger()

	cfg, pool, err := bootstrap(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer pool.Close()

	metrics := telemetry.New()
	detector, clusterer, err := buildServices(cfg, pool, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler())

	// Scheduler-facing trigger endpoints. The cron invoker owns cadence;
	// each call runs exactly one cycle and returns its summary.
	internal := e.Group("/internal/cycles")
	internal.POST("/detection/:type", func(c echo.Context) error {
		typ, err := detection.ParseType(c.Param("type"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		summary, err := detector.RunCycle(c.Request().Context(), typ, cfg.LookbackHours)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, summary)
	})
	internal.POST("/cluster", func(c echo.Context) error {
		summary, err := clusterer.RunCycle(c.Request().Context(), cfg.ClusterWindowDays)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, summary)
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
