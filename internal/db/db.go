package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers "libsql" with database/sql for remote URLs (libsql://, https://, wss://).
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Registers "sqlite" (pure Go) for local file: URLs and plain paths.
	_ "modernc.org/sqlite"
)

// Driver names registered by the imports above. Tests may override them to
// force open failures.
var (
	localDriver  = "sqlite"
	remoteDriver = "libsql"
)

// localPragmas are appended to local DSNs that do not set their own.
var localPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

// Connect opens a database connection and verifies it with a ping.
//
// Supported URL schemes:
//
//	Local file:   "file:path/to/agentdesk.db" or "path/to/agentdesk.db"
//	Remote Turso: "libsql://[db-name].turso.io?authToken=[token]"
func Connect(ctx context.Context, dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("database URL must not be empty")
	}

	driver, dsn := resolve(dbURL)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	// Verify the connection is actually reachable.
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == localDriver {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY on
		// concurrent key manager persists.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// IsRemote reports whether dbURL is served by the libSQL client.
func IsRemote(dbURL string) bool {
	for _, p := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dbURL, p) {
			return true
		}
	}
	return false
}

func resolve(dbURL string) (driver, dsn string) {
	if IsRemote(dbURL) {
		return remoteDriver, dbURL
	}
	dsn = dbURL
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		for _, p := range localPragmas {
			dsn += sep + "_pragma=" + p
			sep = "&"
		}
	}
	return localDriver, dsn
}
