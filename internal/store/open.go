// ABOUTME: Backend selection for the conversation log store
// ABOUTME: Maps a backend name from configuration to a KV implementation

package store

import (
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options selects and configures a KV backend.
type Options struct {
	Backend string // json (default), bolt, sqlite, memory
	Path    string
	Driver  string // sqlite only: "sqlite" (modernc) or "sqlite3" (mattn)

	// ReadOnly opens the json backend without ever writing or moving its
	// file. Other backends ignore it.
	ReadOnly bool
}

// Open builds the KV backend described by opts.
func Open(opts Options, logger *slog.Logger) (KV, error) {
	switch opts.Backend {
	case "", BackendJSON:
		if opts.ReadOnly {
			return NewReadOnlyFileStore(opts.Path, logger)
		}
		return NewFileStore(opts.Path, logger)
	case BackendBolt:
		return NewBoltStore(opts.Path, logger)
	case BackendSQLite:
		return NewSQLiteStore(opts.Path, opts.Driver, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
