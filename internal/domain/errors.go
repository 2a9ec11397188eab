package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSettingNotFound  = errors.New("setting not found")
)

// NoEligibleProviderError is returned when filtering leaves no candidate for
// the requested model and groups. Degraded reports whether cross-group
// degradation was attempted before giving up.
type NoEligibleProviderError struct {
	Model    string
	Groups   []string
	Degraded bool
}

func (e *NoEligibleProviderError) Error() string {
	if len(e.Groups) > 0 {
		return fmt.Sprintf("no eligible provider for model %q in groups [%s]", e.Model, strings.Join(e.Groups, ", "))
	}
	return fmt.Sprintf("no eligible provider for model %q", e.Model)
}

func (e *NoEligibleProviderError) Is(target error) bool {
	_, ok := target.(*NoEligibleProviderError)
	return ok
}

// AdmissionExhaustedError is returned when every selection attempt was
// rejected by the concurrency admission check.
type AdmissionExhaustedError struct {
	Model          string
	ProvidersTried int
}

func (e *AdmissionExhaustedError) Error() string {
	return fmt.Sprintf("admission exhausted for model %q after %d providers", e.Model, e.ProvidersTried)
}

func (e *AdmissionExhaustedError) Is(target error) bool {
	_, ok := target.(*AdmissionExhaustedError)
	return ok
}

// StoreUnavailableError wraps a shared-store failure. Callers decide fail-open
// or fail-closed per operation; see the resolver and admission controller.
type StoreUnavailableError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool {
	_, ok := target.(*StoreUnavailableError)
	return ok
}

// StoreUnavailable builds a StoreUnavailableError; nil err returns nil.
func StoreUnavailable(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreUnavailableError{Store: store, Op: op, Err: err}
}

// IsStoreUnavailable reports whether err is (or wraps) a store outage.
func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}
