package mitmca

import (
	"errors"
	"fmt"
)

// ErrNoOverride is returned by ResetToDefault when there are no on-disk
// CA files to remove.
var ErrNoOverride = errors.New("no CA override files present")

// ErrNoSNI is returned when a TLS ClientHello carries no server name, so
// there is no host to issue a certificate for.
var ErrNoSNI = errors.New("no SNI provided")

// ConfigError indicates that on-disk key material exists but could not be
// parsed (malformed PEM, wrong key type). It is fatal to initialization:
// the authority never silently falls back to the bundled defaults, since
// that could mask a corrupted trust root.
type ConfigError struct {
	// Path is the file that failed to parse.
	Path string

	// Err is the underlying parse error.
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid CA material in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PersistError indicates a write failure while persisting new CA material.
// The previous on-disk and in-memory root remain authoritative; the
// operation that failed can be retried by the operator.
type PersistError struct {
	// Path is the file that could not be written.
	Path string

	// Err is the underlying I/O error.
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist CA material to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
