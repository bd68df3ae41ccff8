package search

import "fmt"

// ErrConfiguration can be used with errors.Is to detect any
// *ConfigurationError.
var ErrConfiguration = &ConfigurationError{}

// ConfigurationError reports an invalid or inconsistent search configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error"
	}
	return "configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// ErrPersistence can be used with errors.Is to detect any *PersistenceError.
var ErrPersistence = &PersistenceError{}

// PersistenceError reports a failed checkpoint write. The previous checkpoint
// at Path, if any, is left intact.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to save checkpoint %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	_, ok := target.(*PersistenceError)
	return ok
}
