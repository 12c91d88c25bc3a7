package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers missing uploads, feature tables, models and statistics.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput covers unparsable dates, short tables, bad ordering and
	// missing columns.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration is returned when the data cannot be used with the
	// configured pipeline, e.g. a zero-variance feature column.
	ErrConfiguration = errors.New("configuration error")

	ErrMissingColumn  = fmt.Errorf("%w: missing column", ErrInvalidInput)
	ErrSchemaMismatch = fmt.Errorf("%w: schema mismatch", ErrInvalidInput)
)
