package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced by the sync engine. Callers match them with errors.Is.
var (
	ErrInvalidInterval      = errors.New("invalid interval")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConnector            = errors.New("connector failure")
	ErrAuthInvalid          = fmt.Errorf("%w: authorisation invalid", ErrConnector)
	ErrPersistence          = errors.New("persistence failure")
	ErrCancelled            = errors.New("cancelled")
)

// Stage names a step of a sync or display pipeline.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageFetching    Stage = "fetching"
	StageReconciling Stage = "reconciling"
	StageReading     Stage = "reading"
	StageAggregating Stage = "aggregating"
	StageFailed      Stage = "failed"
)

// StageError attaches platform and stage context to a failure.
type StageError struct {
	Platform string
	Stage    Stage
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Persistence wraps a storage error as ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: failed to %s: %v", ErrPersistence, op, err)
}

// Connector wraps an exchange error as ErrConnector.
func Connector(exchange string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnector) || errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnector, exchange, err)
}

// FromContext converts context termination into ErrCancelled.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

// IsCancelled reports whether err is a cancellation. Deadlines are failures, not cancellations.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsCancelled(err):
		return "cancelled"
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, ErrConnector):
		return "connector"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	default:
		return "unknown"
	}
}
