package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "none" or empty: in-memory only, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// SeenRetention drops seen GUIDs older than this. 0 means DefaultSeenRetention.
	SeenRetention time.Duration
}

const DefaultSeenRetention = 90 * 24 * time.Hour

// DeliveryRecord is one article send attempt.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	CycleID   string    `json:"cycle_id,omitempty"`
	FeedID    string    `json:"feed"`
	GUID      string    `json:"guid"`
	ChannelID string    `json:"channel"`
	Title     string    `json:"title,omitempty"`
	Link      string    `json:"link,omitempty"`
	Deferred  bool      `json:"deferred"`
	OK        bool      `json:"ok"`
	Error     string    `json:"err,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

func (c Config) retention() time.Duration {
	if c.SeenRetention <= 0 {
		return DefaultSeenRetention
	}
	return c.SeenRetention
}
