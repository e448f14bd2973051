// Package libsql opens a remote store hosted on Turso.
//
// The libSQL dialect is sqlite, so the remote.SQLRemote tables and queries
// work unchanged.
package libsql

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/habittrack/habitsync/internal/remote"
)

// DSN appends the auth token to a libsql:// URL.
func DSN(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid libsql URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "libsql", "https", "http", "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported libsql URL scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open connects to a Turso database.
//
// Example:
//
//	r, err := libsql.Open("libsql://habits-me.turso.io", token, logger)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
func Open(rawURL, token string, logger *slog.Logger) (*remote.SQLRemote, error) {
	dsn, err := DSN(rawURL, token)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql remote: %w", err)
	}
	return remote.NewSQLRemote(conn, logger), nil
}
