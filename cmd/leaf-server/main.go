package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
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

	"github.com/leafcohort/leaf/internal/admin"
	"github.com/leafcohort/leaf/internal/cohort"
	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/concept"
	"github.com/leafcohort/leaf/internal/config"
	"github.com/leafcohort/leaf/internal/dataset"
	"github.com/leafcohort/leaf/internal/help"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
	"github.com/leafcohort/leaf/internal/platform/middleware"
	"github.com/leafcohort/leaf/internal/platform/telemetry"
	"github.com/leafcohort/leaf/internal/seed"
	"github.com/leafcohort/leaf/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "leaf-server",
		Short: "Clinical cohort query server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(conceptsCmd())
	root.AddCommand(compileCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func appPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{URL: cfg.AppDBURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

// migrationFiles prefers MIGRATIONS_DIR when it exists so operators can add
// site-specific migrations, and otherwise uses the embedded set.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run app database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := appPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir), migrations.Schema)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, migrations.Schema)
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
			ctx := cmd.Context()
			pool, err := appPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir), migrations.Schema)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func conceptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concepts",
		Short: "Manage the concept catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import SQL sets, specializations and concepts from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			catalog, err := seed.Load(f)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := appPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			summary, err := seed.NewImporter(pool, newLogger(cfg.Env)).Import(ctx, catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sql set(s), %d specialization group(s), %d concept(s).\n",
				summary.SQLSets, summary.SpecializationGroups, summary.Concepts)
			return nil
		},
	}
	importCmd.Flags().String("file", "", "Path to the YAML catalog")
	cmd.AddCommand(importCmd)
	return cmd
}

func compileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the SQL a panel query compiles to",
		Long: "Reads a JSON array of panels with their concepts inlined and prints the " +
			"cohort SQL. No database connection is made.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			inline, _ := cmd.Flags().GetBool("inline")
			var r io.Reader = cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return compilePanels(r, cmd.OutOrStdout(), compiler.Options{}, inline)
		},
	}
	cmd.Flags().String("file", "-", "Path to the panel JSON, - for stdin")
	cmd.Flags().Bool("inline", false, "Inline bound values instead of listing them")
	return cmd
}

func compilePanels(r io.Reader, w io.Writer, opts compiler.Options, inline bool) error {
	var panels []compiler.Panel
	if err := json.NewDecoder(r).Decode(&panels); err != nil {
		return fmt.Errorf("decode panels: %w", err)
	}
	stmt, err := compiler.New(opts).BuildCTE(panels)
	if err != nil {
		return err
	}
	if inline {
		fmt.Fprintln(w, compiler.Render(stmt))
		return nil
	}
	fmt.Fprintln(w, stmt.SQL)
	for i, arg := range stmt.Args {
		fmt.Fprintf(w, "-- $%d = %v\n", i+1, arg)
	}
	return nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMechanism() {
	case config.AuthSAML2:
		return auth.SAML2Middleware(auth.SAML2Config{
			IdentityHeader: cfg.Auth.SAML2IdentityHeader,
			RolesHeader:    cfg.Auth.SAML2RolesHeader,
			GroupsHeader:   cfg.Auth.SAML2GroupsHeader,
		})
	case config.AuthJWT:
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			JWKSURL:  cfg.Auth.JWKSURL,
		}
		if cfg.Auth.SigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.Auth.SigningKey)
		}
		return auth.JWTMiddleware(jwtCfg)
	default:
		return auth.UnsecuredMiddleware()
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = newLogger(cfg.Env)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{Enabled: cfg.TracingEnabled})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start tracing")
	}

	// Databases
	appDB, err := appPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to app database")
	}
	defer appDB.Close()
	clinDB, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.ClinDBURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to clinical database")
	}
	defer clinDB.Close()
	logger.Info().Msg("connected to databases")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(authMiddleware(cfg))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api")
	api.Use(middleware.RateLimit(rateLimitCfg))
	api.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second))

	e.GET("/health", db.HealthHandler(map[string]db.Pinger{"app": appDB, "clinical": clinDB}))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	comp := compiler.New(compiler.Options{
		Alias:            cfg.Compiler.Alias,
		FieldPersonID:    cfg.Compiler.FieldPersonID,
		FieldEncounterID: cfg.Compiler.FieldEncounterID,
	})

	// Concepts
	conceptRepo := concept.NewRepo(appDB)
	concept.NewHandler(concept.NewSearcher(conceptRepo)).RegisterRoutes(api)

	// Cohorts
	queryStore := cohort.NewQueryStore(appDB)
	obfuscator := cohort.NewObfuscator(cfg.Deident)
	cohorts, err := cohort.NewService(cfg.Cohort, comp, cohort.NewSource(clinDB, cfg.ClinDBTimeout), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build cohort service")
	}
	counter := cohort.NewCounter(concept.NewPanelConverter(conceptRepo), cohorts, queryStore, obfuscator, cfg.Cohort, logger)
	demographics := cohort.NewDemographicProvider(queryStore,
		cohort.NewDemographicSource(clinDB, cfg.ClinDBTimeout, cfg.DemographicSQL), obfuscator)
	cohort.NewHandler(counter, demographics).RegisterRoutes(api)

	// Datasets
	datasetQueries := dataset.NewQueryService(dataset.NewRepo(appDB), queryStore)
	datasets := dataset.NewService(dataset.NewExecutor(clinDB, cfg.ClinDBTimeout), cfg.Deident, logger)
	dataset.NewHandler(datasetQueries, datasets).RegisterRoutes(api)

	// Administration and help
	adminSvc := admin.NewService(admin.NewSQLSetRepo(appDB), admin.NewSpecializationRepo(appDB), comp)
	admin.NewHandler(adminSvc).RegisterRoutes(api)
	help.NewHandler(help.NewService(help.NewRepo(appDB))).RegisterRoutes(api)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("auth", cfg.ResolvedAuthMechanism()).
			Str("strategy", cfg.Cohort.QueryStrategy).Msg("starting leaf server")
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
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
	return nil
}
