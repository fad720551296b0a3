package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/b2gate/internal/storage"
)

// credentialKey is the single logical key the gateway persists. It matches the
// namespace used by the upstream authorize response.
const credentialKey = "auth"

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(dbConn *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: dbConn}
}

var _ storage.CredentialRepository = (*CredentialRepository)(nil)

// Get returns the serialized credential, or storage.ErrNotFound when none has
// been persisted yet.
func (r *CredentialRepository) Get(ctx context.Context) (string, error) {
	var value string

	err := r.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE name = ?`, credentialKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return value, nil
}

// Put upserts the serialized credential. The previous value is superseded
// wholesale.
func (r *CredentialRepository) Put(ctx context.Context, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, credentialKey, value, time.Now().Format(time.RFC3339))

	return err
}
