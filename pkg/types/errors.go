package types

import "errors"

// ULID-related errors
var (
	// ErrInvalidULIDLength is returned when a ULID string or byte slice has incorrect length
	ErrInvalidULIDLength = errors.New("invalid ULID length")

	// ErrInvalidULIDCharacter is returned when a ULID string contains invalid characters
	ErrInvalidULIDCharacter = errors.New("invalid ULID character")
)

// Batch validation errors
var (
	// ErrEmptySchema is returned when a raw batch declares a schema with no
	// fingerprintable columns
	ErrEmptySchema = errors.New("schema has no fingerprintable columns")

	// ErrNoRows is returned when a raw batch carries no rows
	ErrNoRows = errors.New("batch has no rows")
)
