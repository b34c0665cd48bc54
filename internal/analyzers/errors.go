package analyzers

import "errors"

var (
	// ErrInvalidTOML indicates a rules file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
