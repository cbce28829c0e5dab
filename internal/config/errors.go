package config

import "errors"

// Load/validation errors. Configuration errors are fatal at start
// (spec.md §7, "Configuration errors: rejected at load").
var (
	// ErrEmptyPath is returned when Load is called with an empty path.
	ErrEmptyPath = errors.New("config: empty path")

	// ErrLoadFailed wraps an underlying file read or parse failure.
	ErrLoadFailed = errors.New("config: load failed")

	// ErrUnsupportedFormat is returned for an unrecognized file extension
	// or an explicit Format value that isn't yaml/json.
	ErrUnsupportedFormat = errors.New("config: unsupported format")

	// ErrUnmarshalFailed wraps a koanf/mapstructure decode failure.
	ErrUnmarshalFailed = errors.New("config: unmarshal failed")

	// ErrNoSource is returned when source.host is empty.
	ErrNoSource = errors.New("config: source endpoint is required")

	// ErrDuplicateTarget is returned when two targets share a name.
	ErrDuplicateTarget = errors.New("config: duplicate target name")

	// ErrInvalidStrategy is returned for an unrecognized full-sync strategy.
	ErrInvalidStrategy = errors.New("config: invalid full_sync strategy")

	// ErrInvalidDriver is returned for an unrecognized incremental driver.
	ErrInvalidDriver = errors.New("config: invalid incremental driver")

	// ErrInvalidMode is returned for an unrecognized sync mode.
	ErrInvalidMode = errors.New("config: invalid sync mode")

	// ErrInvalidInterval is returned when an incremental interval is
	// configured below the 1s floor spec.md §4.6 requires.
	ErrInvalidInterval = errors.New("config: incremental interval must be >= 1s")
)
