package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines run log, replayed into memory at open
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord records one job execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	At       time.Time `json:"at"`
	Job      string    `json:"job"`
	Schedule string    `json:"schedule"`
	// Lag is how late the job was dispatched relative to its deadline.
	LagMS  int64  `json:"lag_ms"`
	TookMS int64  `json:"took_ms"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}
