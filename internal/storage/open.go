package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"botrunner/pkg/logx"
)

// Store is the minimal persistence API used by the runner.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// BotDir resolves the persistent storage folder for one bot: base/<bot>,
// or a fresh temporary directory when no base path is configured.
func BotDir(base, bot string) (string, error) {
	if strings.TrimSpace(base) == "" {
		dir, err := os.MkdirTemp("", "storage-"+bot+"-")
		if err != nil {
			return "", fmt.Errorf("bot storage for %s: %w", bot, err)
		}
		return dir, nil
	}
	dir := filepath.Join(base, bot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bot storage for %s: %w", bot, err)
	}
	return dir, nil
}
