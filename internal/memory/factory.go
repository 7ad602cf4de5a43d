package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Backend names the store NewStore picked, for startup logs.
func Backend(s Store) string {
	if _, ok := s.(*PostgresStore); ok {
		return "postgres"
	}
	return "memory"
}

// NewStore opens the history store. An empty DATABASE_URL keeps call history
// in process memory for the lifetime of the server.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return store, nil
}

func newID() string { return uuid.NewString() }
