package permission

import (
	"context"
	"fmt"

	"github.com/surgicase/platform/internal/shared/database"
	apperrors "github.com/surgicase/platform/internal/shared/errors"
)

// PostgresStore persists permission overrides in the permissions schema.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT action, role, allowed, updated_by, updated_at
		FROM permissions.entries
		ORDER BY action, role`)
	if err != nil {
		return nil, apperrors.StoreUnavailable(fmt.Errorf("list permission entries: %w", err))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Action, &e.Role, &e.Allowed, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, "scan permission entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StoreUnavailable(fmt.Errorf("read permission entries: %w", err))
	}
	return entries, nil
}

func (s *PostgresStore) Put(ctx context.Context, entry Entry) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO permissions.entries (action, role, allowed, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (action, role)
		DO UPDATE SET allowed = EXCLUDED.allowed,
		              updated_by = EXCLUDED.updated_by,
		              updated_at = EXCLUDED.updated_at`,
		entry.Action, entry.Role, entry.Allowed, entry.UpdatedBy, entry.UpdatedAt)
	if err != nil {
		return apperrors.StoreUnavailable(fmt.Errorf("put permission entry: %w", err))
	}
	return nil
}
