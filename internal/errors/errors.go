// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a unique constraint conflict.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInterval is returned for a notification interval outside the allowed set.
	ErrInvalidInterval = errors.New("invalid notification interval")

	// ErrNotConfigured is returned when an operation needs credentials that are not set.
	ErrNotConfigured = errors.New("notifications not configured")
)

// ErrInvalidRepoFormat is returned when a repository string cannot be parsed as 'owner/name[:branch]'.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name' or 'owner/name:branch'", e.Repo)
}
