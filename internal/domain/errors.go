package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when a trigger is coalesced into a running run.
	ErrRunInProgress = errors.New("aggregation run already in progress")
)

// SourceFetchError wraps transport or parse failures of a single source.
type SourceFetchError struct {
	Source Source
	Cause  error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Cause)
}

func (e *SourceFetchError) Unwrap() error { return e.Cause }

// NormalizationError marks a structurally invalid raw item.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s %s", e.Field, e.Reason)
}

// InvalidFilterError rejects query input.
type InvalidFilterError struct {
	Key    string
	Value  string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid filter %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid filter %q=%q: %s", e.Key, e.Value, e.Reason)
}

// StoreWriteError is a persistence failure; it aborts the current run.
type StoreWriteError struct {
	Op    string
	Cause error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Cause)
}

func (e *StoreWriteError) Unwrap() error { return e.Cause }
