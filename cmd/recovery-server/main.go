package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/postop/recovery/internal/config"
	"github.com/postop/recovery/internal/domain/assignment"
	"github.com/postop/recovery/internal/domain/conversation"
	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/schedule"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/aiclient"
	"github.com/postop/recovery/internal/platform/auth"
	"github.com/postop/recovery/internal/platform/db"
	"github.com/postop/recovery/internal/platform/events"
	"github.com/postop/recovery/internal/platform/lock"
	"github.com/postop/recovery/internal/platform/metrics"
	"github.com/postop/recovery/internal/platform/middleware"
	"github.com/postop/recovery/internal/platform/websocket"
)

const envFile = ".env"

func main() {
	rootCmd := &cobra.Command{
		Use:   "recovery-server",
		Short: "Post-operative recovery protocol server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the recovery API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
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
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(os.Stdout, statuses)
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func protocolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protocol",
		Short: "Manage protocol libraries",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update protocols from a YAML library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			protocols, err := protocol.LoadLibraryFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := protocol.NewService(protocol.NewRepoPG(pool), protocol.NewResolver(timeline.NewAnchor(loc)))
			results, err := svc.Import(ctx, protocols)
			printImportResults(os.Stdout, results)
			return err
		},
	}
	cmd.AddCommand(importCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve <file.yaml>",
		Short: "Print the schedule a library's protocols produce for a surgery date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			surgery, _ := cmd.Flags().GetString("surgery-date")
			tz, _ := cmd.Flags().GetString("timezone")
			name, _ := cmd.Flags().GetString("name")

			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", tz, err)
			}
			anchor := timeline.NewAnchor(loc)
			date, err := anchor.ParseDate(surgery)
			if err != nil {
				return fmt.Errorf("invalid --surgery-date: %w", err)
			}

			protocols, err := protocol.LoadLibraryFile(args[0])
			if err != nil {
				return err
			}
			protocols, err = selectProtocols(protocols, name)
			if err != nil {
				return err
			}

			resolver := protocol.NewResolver(anchor)
			for _, p := range protocols {
				printSchedule(os.Stdout, p, protocol.GroupByDay(resolver.Resolve(p, date)))
			}
			return nil
		},
	}
	resolveCmd.Flags().String("surgery-date", "", "Surgery date (YYYY-MM-DD)")
	resolveCmd.Flags().String("timezone", "UTC", "IANA timezone that calendar dates are read in")
	resolveCmd.Flags().String("name", "", "Only resolve the protocol with this name")
	_ = resolveCmd.MarkFlagRequired("surgery-date")
	cmd.AddCommand(resolveCmd)

	return cmd
}

func selectProtocols(protocols []*protocol.Protocol, name string) ([]*protocol.Protocol, error) {
	if name == "" {
		return protocols, nil
	}
	for _, p := range protocols {
		if p.Name == name {
			return []*protocol.Protocol{p}, nil
		}
	}
	return nil, fmt.Errorf("protocol %q not found in library", name)
}

func printImportResults(w io.Writer, results []protocol.ImportResult) {
	for _, r := range results {
		action := "updated"
		if r.Created {
			action = "created"
		}
		fmt.Fprintf(w, "%-8s %-40s %s v%d\n", action, r.Name, r.ID, r.Version)
	}
}

func printSchedule(w io.Writer, p *protocol.Protocol, days []protocol.DayGroup) {
	fmt.Fprintf(w, "%s (days %d to %d)\n", p.Name, p.TimelineStart, p.TimelineEnd)
	for _, d := range days {
		fmt.Fprintf(w, "  day %4d  %s  %s\n", d.RecoveryDay, d.Date, d.Phase)
		for _, t := range d.Drafts {
			marker := " "
			if t.Required {
				marker = "*"
			}
			fmt.Fprintf(w, "    %s %-12s %s\n", marker, t.TaskType, t.Title)
		}
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with AUTH_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			patient, _ := cmd.Flags().GetString("patient")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return fmt.Errorf("AUTH_SECRET is not set")
			}
			tok, err := auth.NewToken(jwtConfig(cfg), subject, roles, patient, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "cli", "Token subject")
	cmd.Flags().StringSlice("role", []string{auth.RoleAdmin}, "Roles to grant")
	cmd.Flags().String("patient", "", "Patient id the token is bound to")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSecret),
		Skipper:    auth.AuthSkipper,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if lvl, err := cfg.Level(); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return logger
}

func chatRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.ChatRateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.ChatRateLimitRPS
	}
	if cfg.ChatRateBurst > 0 {
		rl.BurstSize = cfg.ChatRateBurst
	}
	return rl
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	anchor := timeline.NewAnchor(loc)
	clock := timeline.RealClock{}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	m := metrics.New(true)
	m.WatchPool(pool)

	// Assignment lock: Redis when configured, in-process otherwise.
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, lock.RedisConfig{TTL: cfg.AssignLockTTL})
		logger.Info().Msg("using redis assignment lock")
	}

	// Events fan out to websocket subscribers and, when configured, Kafka.
	hub := websocket.NewHub(logger)
	publisher := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka publisher")
		}
		defer kp.Close()
		publisher = append(publisher, kp)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}

	// Domain services
	resolver := protocol.NewResolver(anchor)
	protocolRepo := protocol.NewRepoPG(pool)
	protocolSvc := protocol.NewService(protocolRepo, resolver)

	taskRepo := schedule.NewRepoPG(pool, anchor)
	scheduleSvc := schedule.NewService(taskRepo, schedule.NewEngine(anchor), clock, logger)
	scheduleSvc.SetPublisher(publisher)
	scheduleSvc.SetRecorder(m)

	coord := assignment.NewCoordinator(db.NewTxRunner(pool), locker, protocolRepo, resolver,
		assignment.NewRepoPG(pool, anchor), taskRepo, clock, logger)
	coord.SetPublisher(publisher)
	coord.SetRecorder(m)

	var ai conversation.Responder
	if cfg.AIServiceURL != "" {
		ai = aiclient.New(cfg.AIServiceURL, cfg.AIServiceTimeout)
	} else {
		logger.Warn().Msg("AI_SERVICE_URL not set, chat responses are disabled")
	}
	conversationSvc := conversation.NewService(conversation.NewRepoPG(pool), coord, scheduleSvc, ai, anchor, clock, logger)
	coord.SetChannelCreator(conversationSvc)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.ProtocolBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1")
	protocol.NewHandler(protocolSvc).RegisterRoutes(apiV1)
	schedule.NewHandler(scheduleSvc).RegisterRoutes(apiV1)
	assignment.NewHandler(coord).RegisterRoutes(apiV1)
	conversation.NewHandler(conversationSvc).RegisterRoutes(apiV1, middleware.RateLimit(chatRateLimit(cfg)))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// LOG_LEVEL can change without a restart.
	if _, err := os.Stat(envFile); err == nil {
		err := config.Watch(envFile, func(next *config.Config) {
			if lvl, err := next.Level(); err == nil && lvl != zerolog.GlobalLevel() {
				zerolog.SetGlobalLevel(lvl)
				logger.Info().Str("level", lvl.String()).Msg("log level changed")
			}
		}, func(err error) {
			logger.Warn().Err(err).Msg("ignoring invalid config reload")
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watch disabled")
		}
	}

	// Graceful shutdown
	go func() {
		addr := ":" + strings.TrimPrefix(cfg.Port, ":")
		logger.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
