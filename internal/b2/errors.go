package b2

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidReference is returned when a reference carries neither an id
	// nor a name. No dispatch happens in that case.
	ErrInvalidReference = errors.New("reference has neither id nor name")

	// ErrBucketNotFound is returned when a bucket-name lookup yields no bucket.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrFileNotFound is returned when no file matches the reference.
	ErrFileNotFound = errors.New("file not found")

	// ErrCredentialUnavailable is returned when no credential is held even
	// after a refresh attempt.
	ErrCredentialUnavailable = errors.New("no valid credential available")
)

// AuthenticationError is returned when a dispatch is still unauthorized after
// the credential has been refreshed and the call retried once. It is fatal for
// the dispatch chain; callers must not retry further.
type AuthenticationError struct {
	Operation string // The upstream operation that failed authorization
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
