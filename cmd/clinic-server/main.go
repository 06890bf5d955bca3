package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dibya/sundayclinic/internal/config"
	"github.com/dibya/sundayclinic/internal/domain/billing"
	"github.com/dibya/sundayclinic/internal/domain/history"
	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/domain/section"
	"github.com/dibya/sundayclinic/internal/domain/session"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/backend"
	"github.com/dibya/sundayclinic/internal/platform/bus"
	"github.com/dibya/sundayclinic/internal/platform/db"
	"github.com/dibya/sundayclinic/internal/platform/health"
	"github.com/dibya/sundayclinic/internal/platform/logging"
	"github.com/dibya/sundayclinic/internal/platform/middleware"
	"github.com/dibya/sundayclinic/internal/platform/notification"
	"github.com/dibya/sundayclinic/internal/platform/relay"
	"github.com/dibya/sundayclinic/internal/platform/websocket"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-server",
		Short:         "Sunday Clinic medical record editing server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sectionsCmd(os.Stdout))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Console: cfg.ConsoleLogs(),
		Level:   cfg.LogLevel,
		Service: "clinic-server",
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the billing audit database",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "./migrations", "Path to migrations directory")

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir, newLogger(cfg)))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// ---------------------------------------------------------------------------
// sections
// ---------------------------------------------------------------------------

func sectionsCmd(out io.Writer) *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "sections <category>",
		Short: "Print the section list of a visit category (obstetri, gyn_repro, gyn_special)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := record.ParseCategory(args[0])
			if err != nil {
				return err
			}
			var m section.Manifest
			if manifest != "" {
				if m, err = section.LoadManifest(manifest); err != nil {
					return err
				}
			}
			return printSections(out, c, m)
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", os.Getenv("SECTION_MANIFEST"), "Section manifest (YAML)")
	return cmd
}

func printSections(w io.Writer, c record.Category, m section.Manifest) error {
	reg := section.NewRegistry(nil, nil, zerolog.Nop())
	reg.ApplyManifest(m)
	entries, err := reg.Resolve(c)
	if err != nil {
		return err
	}
	forced := make(map[record.SectionKey]bool, len(m.Placeholder))
	for _, k := range m.Placeholder {
		forced[k] = true
	}

	fmt.Fprintf(w, "%s (%s, prefix %s), schema version %s\n", c.Label(), c, c.MRPrefix(), reg.Version())
	for i, e := range entries {
		note := ""
		if forced[e.Key] {
			note = "  [dalam pengembangan]"
		}
		fmt.Fprintf(w, "%2d. %-22s %s%s\n", i+1, e.Key, e.Key.Label(), note)
	}
	return nil
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware()
	case "local":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
}

// mountAPI installs authentication on e and returns the /api/v1 group with
// per-caller rate limiting. Echo runs e.Use middleware before group
// middleware, so the limiter keys on the authenticated user.
func mountAPI(e *echo.Echo, cfg *config.Config) *echo.Group {
	e.Use(auth.SkipPublic(authMiddleware(cfg)))

	api := e.Group("/api/v1")
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rl))
	return api
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in DEVELOPMENT mode: tokens are not verified and anonymous requests act as a physician")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Process-wide collaborators
	events := bus.New(logger)
	api := backend.New(backend.Config{BaseURL: cfg.BackendURL, Timeout: cfg.BackendTimeout}, auth.TokenFromContext, logger)

	registry := section.NewRegistry(api, api, logger)
	if cfg.SectionManifest != "" {
		watcher := section.NewWatcher(cfg.SectionManifest, registry, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	billingSvc := billing.NewService(billing.NewRemoteRepo(api), events, logger)
	hist := history.NewService(api, logger)

	checks := []health.Check{}
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		defer pool.Close()
		billingSvc.SetJournal(billing.NewJournalPG(pool))
		checks = append(checks, health.Database(pool))
		logger.Info().Msg("billing audit journal enabled")
	}

	// Fan-out
	events.Subscribe(bus.KindRevisionResolved, billingSvc.HandleResolved)

	inbox := notification.NewInbox(notification.NewTemplateEngine(), logger)
	events.Subscribe(bus.KindAll, notification.NewBridge(inbox, logger).Handle)

	hub := websocket.NewHub(logger)
	events.Subscribe(bus.KindAll, hub.HandleEvent)

	if cfg.RedisURL != "" {
		client, err := relay.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer client.Close()
		rl := relay.New(client, cfg.RedisChannel, events, logger)
		events.Subscribe(bus.KindAll, rl.Forward)
		g.Go(func() error { return rl.Run(gctx, nil) })
		checks = append(checks, health.Check{Name: "redis", Probe: rl.Probe})
	}

	sessions := session.NewManager(session.Deps{
		Handlers:    registry,
		Records:     api,
		Billing:     billingSvc,
		Events:      events,
		Inbox:       inbox,
		ReloadDelay: cfg.BillingReloadDelay,
	}, logger)
	defer sessions.CloseAll()
	g.Go(func() error {
		sessions.RunJanitor(gctx, time.Minute, cfg.SessionIdleTimeout)
		return nil
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1 := mountAPI(e, cfg)

	// Health check
	e.GET("/health", health.Handler(3*time.Second, checks...))

	// API

	session.NewHandler(sessions, hist).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	history.NewHandler(hist).RegisterRoutes(apiV1)
	notification.NewHandler(inbox).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
