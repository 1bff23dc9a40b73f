package filequeue

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Use errors.Is to test for them; wrapped errors keep their identity.
var (
	// ErrConfiguration marks a bad configuration value that was recovered by clamping or defaulting.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidStateTransition marks a status change outside the accepted edge set.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrBackingStoreUnavailable marks a failed round trip to the backing store.
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")

	// ErrNotFound indicates a required record or work item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by stores when a status write would override a row
	// owned by another worker and override was not allowed.
	ErrStatusConflict = errors.New("status conflict")

	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("backing store is closed")
)

// ConfigurationError describes a configuration value that was replaced by Applied.
type ConfigurationError struct {
	Setting string
	Value   string
	Applied string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s=%q %s; using %s", e.Setting, e.Value, e.Reason, e.Applied)
}

// Is makes ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// InvalidStateTransitionError carries the context of a rejected status change.
type InvalidStateTransitionError struct {
	ID   int64
	Name string
	From Status
	To   Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %d (%s): %s -> %s", e.ID, e.Name, e.From, e.To)
}

// Is makes InvalidStateTransitionError match ErrInvalidStateTransition.
func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

func newInvalidStateTransition(rec *Record, to Status) error {
	return errors.WithStack(&InvalidStateTransitionError{
		ID:   rec.ID,
		Name: rec.Name,
		From: rec.Status,
		To:   to,
	})
}

// storeUnavailable wraps a backing store failure so callers can test it with
// IsBackingStoreUnavailable while keeping the original cause.
func storeUnavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	return errors.Mark(wrapped, ErrBackingStoreUnavailable)
}

func notFoundf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// IsInvalidStateTransition reports whether err is or wraps an invalid state transition.
func IsInvalidStateTransition(err error) bool {
	return err != nil && errors.Is(err, ErrInvalidStateTransition)
}

// IsBackingStoreUnavailable reports whether err originates from a failed store round trip.
func IsBackingStoreUnavailable(err error) bool {
	return err != nil && errors.Is(err, ErrBackingStoreUnavailable)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// IsConfigurationError reports whether err describes a recovered configuration problem.
func IsConfigurationError(err error) bool {
	return err != nil && errors.Is(err, ErrConfiguration)
}
