package actions

import (
	"context"
	"strings"
)

// NewStore picks postgres when databaseURL is set, sqlite when sqlitePath is
// set, and memory otherwise. The returned mode names the choice.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewMemoryStore(), "memory", nil
}
