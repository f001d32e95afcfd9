package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "feedbot/pkg/logx"
)

// Store is the persistence API used by the feed fetcher, the app and the
// notifier.
type Store interface {
	// KnownFeed reports whether anything was ever marked seen for feedID.
	KnownFeed(ctx context.Context, feedID string) (bool, error)
	// Unseen returns the guids not yet marked seen, in input order.
	Unseen(ctx context.Context, feedID string, guids []string) ([]string, error)
	MarkSeen(ctx context.Context, feedID string, guids []string, at time.Time) error

	AppendDelivery(ctx context.Context, r DeliveryRecord) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store. A disabled store is an in-memory
// one, so callers never get a nil Store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open accepts driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "memory", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
