// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/config"
	"github.com/unclebandit/broadcast-engine/internal/db"
	"github.com/unclebandit/broadcast-engine/internal/logging"
)

func main() {
	migrationsDir := flag.String("migrations", "migrations", "directory of schema migrations")
	seedDir := flag.String("seed", "seed", "directory of seed data")
	skipSeed := flag.Bool("schema-only", false, "apply migrations without seed data")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).WithField("service", "broadcast-seeder")

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	defer conn.Close()

	dirs := []string{*migrationsDir}
	if !*skipSeed {
		dirs = append(dirs, *seedDir)
	}

	if err := apply(ctx, conn, log, dirs); err != nil {
		log.WithError(err).Fatal("database setup failed")
	}
	log.Info("database setup completed successfully")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// apply runs every *.sql file of each dir in name order.
func apply(ctx context.Context, conn execer, log *logrus.Entry, dirs []string) error {
	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		sort.Strings(files)

		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			if _, err := conn.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("execute %s: %w", file, err)
			}
			log.WithField("file", file).Info("applied")
		}
	}
	return nil
}
