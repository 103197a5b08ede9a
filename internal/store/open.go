package store

import (
	"context"
	"fmt"

	"agentdesk/internal/db"
	"agentdesk/internal/domain"
)

// keySource is used by Open for the encrypted driver; tests may replace it.
var keySource = DefaultKeySource

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg domain.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", domain.StoreDriverFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: file driver requires a path")
		}
		return NewFileStore(cfg.Path), nil
	case domain.StoreDriverEncrypted:
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: encrypted driver requires a path")
		}
		key, err := keySource()
		if err != nil {
			return nil, err
		}
		return NewEncryptedStore(cfg.Path, key)
	case domain.StoreDriverSQLite, domain.StoreDriverLibSQL:
		url := cfg.URL
		if url == "" {
			url = cfg.Path
		}
		if url == "" {
			return nil, fmt.Errorf("store: %s driver requires a url or path", cfg.Driver)
		}
		conn, err := db.Connect(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		s, err := NewSQLStore(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// WatchPath returns the file a Watcher should observe for cfg, or "" when the
// driver is not file backed.
func WatchPath(cfg domain.StoreConfig) string {
	switch cfg.Driver {
	case "", domain.StoreDriverFile, domain.StoreDriverEncrypted:
		return cfg.Path
	default:
		return ""
	}
}
