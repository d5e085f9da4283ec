package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrSerialization indicates that a JSON column could not be encoded or decoded.
	ErrSerialization = errors.New("storage: json serialization failed")
	// ErrInvalidArgument indicates that an operation received unusable input.
	ErrInvalidArgument = errors.New("storage: invalid argument")
	// ErrMissingDatabase indicates that the adapter was constructed without a database handle.
	ErrMissingDatabase = errors.New("storage: database handle is required")
)

// Error is returned by every adapter operation. Code has the form storage.<operation>.<reason>.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

const (
	reasonMissingDatabase = "missing_database"
	reasonInvalidArgument = "invalid_argument"
	reasonNotFound        = "not_found"
	reasonSerialization   = "serialization_failed"
	reasonIntegrity       = "integrity_violation"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonTokenFailed     = "token_generation_failed"
)

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("storage.%s.%s", operation, reason), err: cause}
}

// classify picks the reason for a database error raised while running operation.
func classify(err error, fallback string) string {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, ErrNotFound):
		return reasonNotFound
	case errors.Is(err, ErrSerialization):
		return reasonSerialization
	case errors.Is(err, ErrInvalidArgument):
		return reasonInvalidArgument
	case IsIntegrityError(err):
		return reasonIntegrity
	default:
		return fallback
	}
}

var integrityMarkers = []string{
	"unique constraint failed",
	"foreign key constraint failed",
	"duplicate key value violates unique constraint",
	"violates foreign key constraint",
	"sqlstate 23505",
	"sqlstate 23503",
}

// IsIntegrityError reports whether err was caused by a unique or foreign key violation.
// Handles opened with gorm.Config.TranslateError get the gorm sentinels. Other handles
// fall back to the driver message.
func IsIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range integrityMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
