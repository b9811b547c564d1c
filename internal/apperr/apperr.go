// Package apperr defines the error kinds shared by the ingestion and chat
// pipelines.
//
// Every component wraps failures at its own boundary into an *Error carrying
// one of four kinds, so callers can tell "empty result" apart from "failure"
// and pick the right terminal behavior:
//   - KindConfig: missing or invalid configuration, fatal at startup
//   - KindLoad: repository clone or filesystem failure
//   - KindStore: database or vector index unavailable
//   - KindModel: embedding or chat model failure
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the component that produced it.
type Kind string

const (
	KindConfig Kind = "config"
	KindLoad   Kind = "load"
	KindStore  Kind = "store"
	KindModel  Kind = "model"
)

// Exit codes used by the command line entry points.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitDatabase = 2
	ExitNetwork  = 3
	ExitInternal = 10
)

// Error is a classified error. Op names the failing operation, e.g. "store.exists".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification when an already classified error
	// crosses another boundary.
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config wraps err as a configuration error. A nil err yields nil.
func Config(op string, err error) error { return wrap(KindConfig, op, err) }

// Load wraps err as a repository load error. A nil err yields nil.
func Load(op string, err error) error { return wrap(KindLoad, op, err) }

// Store wraps err as a storage error. A nil err yields nil.
func Store(op string, err error) error { return wrap(KindStore, op, err) }

// Model wraps err as a model provider error. A nil err yields nil.
func Model(op string, err error) error { return wrap(KindModel, op, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: "config", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err carries no classification.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindStore:
		return ExitDatabase
	case KindModel, KindLoad:
		return ExitNetwork
	default:
		return ExitInternal
	}
}
