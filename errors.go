package authflow

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/storage"
)

var (
	// ErrAdapterUnknown reports a request naming an adapter or flow that is not registered.
	ErrAdapterUnknown = errors.New("unknown adapter")
	// ErrUndeclaredTag reports an adapter that produced an error tag outside its flow's declared set.
	ErrUndeclaredTag = errors.New("undeclared error tag")
	// ErrStorageUnavailable aliases storage.ErrUnavailable so callers can match on either.
	ErrStorageUnavailable = storage.ErrUnavailable
	// ErrRateLimited reports a step rejected by the configured Limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrDeliveryFailed is matched by every *DeliveryError.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrSessionInvalid reports a session artifact that is absent, tampered or expired.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionRevoked reports an artifact issued before the subject's last invalidation.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSubjectType reports a subject whose type has no registered schema.
	ErrSubjectType = errors.New("unknown subject type")
	// ErrSubjectInvalid reports subject properties that fail their schema.
	ErrSubjectInvalid = errors.New("invalid subject properties")
	// ErrConflict reports a step whose challenge state was changed by a
	// concurrent request. The step is rejected without effect.
	ErrConflict = errors.New("challenge changed concurrently")
	// ErrCopyIncomplete reports a copy catalog missing text for a declared error tag.
	ErrCopyIncomplete = errors.New("copy catalog incomplete")

	errEmptyPayload = errors.New("challenge state has no payload")
	errNoState      = errors.New("no challenge state to count attempts against")
)

// AdapterError carries the adapter and flow a step failed in.
type AdapterError struct {
	Adapter string
	Flow    string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Flow == "" {
		return fmt.Sprintf("adapter %q: %v", e.Adapter, e.Err)
	}
	return fmt.Sprintf("adapter %q flow %q: %v", e.Adapter, e.Flow, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// DeliveryError reports that a code or link could not be handed to the
// out-of-band sender. No challenge state is written when it occurs.
type DeliveryError struct {
	Channel string
	Err     error
}

// NewDeliveryError wraps err from the named delivery channel.
func NewDeliveryError(channel string, err error) *DeliveryError {
	return &DeliveryError{Channel: channel, Err: err}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }
