package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/diagnoseai/diagnoseai/internal/config"
	"github.com/diagnoseai/diagnoseai/internal/domain/cases"
	"github.com/diagnoseai/diagnoseai/internal/domain/identity"
	"github.com/diagnoseai/diagnoseai/internal/domain/patient"
	"github.com/diagnoseai/diagnoseai/internal/platform/blobstore"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
	"github.com/diagnoseai/diagnoseai/internal/platform/generator"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "diagnoseai",
		Short:        "DiagnoseAI radiology case management server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(casesCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator when no users exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				store, err := blobstore.NewFileStore(cfg.UploadDir)
				if err != nil {
					return err
				}
				svc := identity.NewService(identity.NewUserRepo(pool), store, newLogger(cfg.Env))
				u, created, err := svc.CreateAdminIfNone(ctx, username, email, password)
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("Users already exist; no administrator created.")
					return nil
				}
				fmt.Printf("Created administrator %s (%s).\n", u.Username, u.ID)
				return nil
			})
		},
	}
	createAdmin.Flags().String("username", "admin", "Administrator username")
	createAdmin.Flags().String("email", "admin@diagnoseai.local", "Administrator email")
	createAdmin.Flags().String("password", "", "Administrator password")
	cmd.AddCommand(createAdmin)

	return cmd
}

func casesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Case maintenance",
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Retry generation for cases left in created or processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if err := cfg.Validate(); err != nil {
					return err
				}
				logger := newLogger(cfg.Env)
				svc, err := newCaseService(cfg, pool, logger)
				if err != nil {
					return err
				}
				n, err := svc.RecoverStuck(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Printf("Recovered %d case(s).\n", n)
				return nil
			})
		},
	}
	recoverCmd.Flags().Duration("older-than", 10*time.Minute, "Only retry cases untouched for at least this long")
	cmd.AddCommand(recoverCmd)

	return cmd
}

// withPool loads config, opens a pool for the duration of fn and closes it.
func withPool(ctx context.Context, fn func(context.Context, *config.Config, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

// services bundles the three domain services sharing one store and pool.
type services struct {
	identity *identity.Service
	patients *patient.Service
	cases    *cases.Service
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, store blobstore.Store, gen generator.Generator, logger zerolog.Logger) *services {
	tx := db.NewTxRunner(pool)
	ids := identity.NewService(identity.NewUserRepo(pool), store, logger)
	pats := patient.NewService(patient.NewRepo(pool), tx, store, logger)
	cs := cases.NewService(cases.NewRepo(pool), pats, ids, tx, store, gen,
		cases.Options{AITimeout: cfg.AITimeout, MaxUploadBytes: cfg.MaxUploadBytes}, logger)
	return &services{identity: ids, patients: pats, cases: cs}
}

func newGenerator(cfg *config.Config, logger zerolog.Logger) (generator.Generator, error) {
	return generator.NewOpenAI(generator.OpenAIConfig{
		APIKey:    cfg.OpenAIAPIKey,
		APIURL:    cfg.OpenAIAPIURL,
		Model:     cfg.OpenAIModel,
		MaxTokens: cfg.AIMaxTokens,
		Timeout:   cfg.AITimeout,
	}, logger)
}

func newCaseService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*cases.Service, error) {
	store, err := blobstore.NewFileStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newServices(cfg, pool, store, gen, logger).cases, nil
}

func initSentry(cfg *config.Config, logger zerolog.Logger) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     "diagnoseai@" + version,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("sentry disabled")
		return func() {}
	}
	logger.Info().Msg("sentry error reporting enabled")
	return func() { sentry.Flush(2 * time.Second) }
}
