// Package apperrors provides the error types shared by the Docker service and
// the HTTP layer. Handlers map them to status codes with errors.Is / errors.As.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a container or image the daemon does not know.
	ErrNotFound = errors.New("not found")
	// ErrInvalidAction marks an unsupported container action or prune kind.
	ErrInvalidAction = errors.New("invalid action")
)

// DockerError represents a failed Docker Engine operation.
type DockerError struct {
	Op  string // Operation that failed (e.g. "start", "list containers")
	ID  string // Container or image id, empty for list operations
	Err error  // Underlying error
}

// Error implements the error interface for DockerError.
func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping chains.
func (e *DockerError) Unwrap() error {
	return e.Err
}

// ValidationError represents bad client input.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// IsValidation reports whether err is or wraps a ValidationError or ErrInvalidAction.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidAction)
}
