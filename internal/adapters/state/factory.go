package state

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// Options configures store creation.
type Options struct {
	// Backend is one of sqlite, json or memory.
	Backend string

	// Path is the database or JSON file path. Ignored by the memory backend.
	Path string

	// LockTTL is the age after which a JSON lock file is stale, and the
	// SQLite busy timeout. Zero uses the backend default.
	LockTTL time.Duration
}

// NewStore creates the store selected by opts.Backend.
func NewStore(opts Options) (core.Store, error) {
	switch opts.Backend {
	case "", "sqlite":
		path := opts.Path
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteStore(path, WithBusyTimeout(opts.LockTTL))
	case "json":
		path := opts.Path
		if filepath.Ext(path) != ".json" {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
		}
		return NewJSONStore(path, WithLockTTL(opts.LockTTL)), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown state backend %q", opts.Backend))
	}
}
