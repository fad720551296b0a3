package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CredentialRepository persists the serialized upstream credential under a
// single logical key.
type CredentialRepository interface {
	Get(ctx context.Context) (string, error)
	Put(ctx context.Context, value string) error
}
