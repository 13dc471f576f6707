package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/config"
)

// Open builds the backend selected by cfg.DBType.
func Open(ctx context.Context, cfg *config.Config, logger internal.Logger) (Store, error) {
	switch cfg.DBType {
	case "file":
		if err := ensureDirs(cfg.FileUsers, cfg.FileSleep, cfg.FileGoals); err != nil {
			return nil, err
		}
		s, err := NewFileStorage(FileOptions{
			UsersFile: cfg.FileUsers,
			SleepFile: cfg.FileSleep,
			GoalsFile: cfg.FileGoals,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		if err := ensureDirs(cfg.SqlitePath); err != nil {
			return nil, err
		}
		s, err := NewSqliteStorage(SqliteOptions{Path: cfg.SqlitePath}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStorage(ctx, cfg.DBDSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.DBType)
}

// ensureDirs creates the parent directory of every data file.
func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if p == "" || p == ":memory:" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("storage: create data dir: %w", err)
		}
	}
	return nil
}
