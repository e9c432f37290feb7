// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfigurationGap is reported for events from rooms without a pairing.
	ErrConfigurationGap = errors.New("room is not bridged")
	// ErrUnknownMessage is reported for edits and deletes of messages that
	// have no correlation entry.
	ErrUnknownMessage = errors.New("message has no recorded relays")
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("correlation integrity violation")
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("correlation storage failure")
	// ErrAdapter matches every *AdapterError.
	ErrAdapter = errors.New("adapter call failed")
	// ErrAdaptersNotReady is returned by AdapterContext lookups before MarkReady.
	ErrAdaptersNotReady = errors.New("adapters are not initialized")
	// ErrNoAdapter is returned when no adapter is registered for a service.
	ErrNoAdapter = errors.New("no adapter registered for service")
)

// IntegrityError reports a violation of the at-most-one-origin invariant.
type IntegrityError struct {
	Target ChatIdentity
	// Existing is the origin already recorded for Target, if known.
	Existing ChatIdentity
	// Attempted is the origin that was rejected, if the error came from a write.
	Attempted ChatIdentity
	// Count is the number of origins found when the error came from a read.
	Count int
}

func (e *IntegrityError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("%d origins recorded for %s", e.Count, e.Target)
	}
	return fmt.Sprintf("%s already relayed from %s, refusing origin %s", e.Target, e.Existing, e.Attempted)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// StorageError wraps an I/O failure of the correlation store. It is transient.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("correlation store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// AdapterError wraps a failed call to a remote service.
type AdapterError struct {
	Service string
	Op      string
	// Transient errors are safe to retry with the same arguments.
	Transient bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Service, e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	return target == ErrAdapter
}

// NewAdapterError classifies err. Context deadlines and cancellations are
// transient; everything else is permanent unless the caller says otherwise.
func NewAdapterError(service, op string, transient bool, err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		transient = true
	}
	return &AdapterError{Service: service, Op: op, Transient: transient, Err: err}
}

// IsTransient reports whether err is a storage failure or a transient adapter
// failure, i.e. whether the surrounding loop may retry the operation.
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return errors.Is(err, ErrStorage)
}
