package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/observ"
)

func migrateCmd() *cobra.Command {
	var (
		dir    string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending *.up.sql migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			databaseURL := os.Getenv("DATABASE_URL")
			if databaseURL == "" {
				databaseURL = db.Config{
					Host:     cfg.DBHost,
					Port:     cfg.DBPort,
					User:     cfg.DBUser,
					Password: cfg.DBPassword,
					Database: cfg.DBName,
					SSLMode:  cfg.DBSSLMode,
				}.DSN()
			}

			ctx := cmd.Context()
			poolCfg, err := pgxpool.ParseConfig(databaseURL)
			if err != nil {
				return fmt.Errorf("parse database url: %w", err)
			}
			poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
			poolCfg.ConnConfig.RuntimeParams["application_name"] = "heraldctl-migrate"

			pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			m := &migrator{pool: pool, logger: logger, dryRun: dryRun}
			if err := m.ensureSchemaTable(ctx); err != nil {
				return fmt.Errorf("ensure schema_migrations: %w", err)
			}

			applied, skipped, err := m.apply(ctx, dir)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}

			logger.Info("migrations complete",
				zap.Int("applied", applied),
				zap.Int("skipped", skipped),
				zap.Bool("dry_run", dryRun),
			)
			return nil
		},
	}

	defaultDir := os.Getenv("MIGRATIONS_DIR")
	if defaultDir == "" {
		defaultDir = "migrations"
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", defaultDir, "directory holding *.up.sql files")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

type migrator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	dryRun bool
}

func (m *migrator) ensureSchemaTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

func (m *migrator) apply(ctx context.Context, dir string) (int, int, error) {
	names, err := migrationFiles(dir)
	if err != nil {
		return 0, 0, err
	}

	applied := 0
	skipped := 0

	for _, name := range names {
		done, err := m.isApplied(ctx, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if done {
			m.logger.Debug("skip migration (already applied)", zap.String("name", name))
			skipped++
			continue
		}

		if m.dryRun {
			m.logger.Info("pending migration", zap.String("name", name))
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		m.logger.Info("applying migration", zap.String("name", name))
		start := time.Now()

		if err := m.execute(ctx, name, string(contents)); err != nil {
			return applied, skipped, err
		}

		applied++
		m.logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

// execute runs one migration and records it in the same transaction.
func (m *migrator) execute(ctx context.Context, name, sql string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
		return fmt.Errorf("mark applied %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (m *migrator) isApplied(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	return exists, err
}

// migrationFiles lists the *.up.sql files of dir in name order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
