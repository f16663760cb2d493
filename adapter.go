package authflow

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// StateKind names the step a challenge is waiting on.
type StateKind string

const (
	KindStart  StateKind = "start"
	KindCode   StateKind = "code"
	KindUpdate StateKind = "update"
	KindVerify StateKind = "verify"
)

// ChallengeState is the persisted position of one in-progress flow.
//
// Public holds values safe to echo back to the client (the email a code was
// sent to). Payload is opaque to the core and never leaves the server.
type ChallengeState struct {
	FlowID    string
	Adapter   string
	Flow      string
	Kind      StateKind
	Public    map[string]string
	Payload   json.RawMessage
	Attempts  int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Decode unmarshals the private payload into v.
func (s *ChallengeState) Decode(v any) error {
	if s == nil || len(s.Payload) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(s.Payload, v)
}

// Expired reports whether now is at or past the state's expiry.
func (s *ChallengeState) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// WithAttempts returns a copy of s with the failed-attempt counter set to n.
func (s *ChallengeState) WithAttempts(n int) *ChallengeState {
	cp := *s
	cp.Attempts = n
	return &cp
}

// Policy is the challenge configuration an adapter applies to new state.
type Policy struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

// Input is everything an adapter sees for one submitted step.
type Input struct {
	// FlowID is the opaque token the state is stored under. It is assigned
	// before the first step so adapters can embed it in links.
	FlowID string
	Form   url.Values
	// State is nil when no live challenge exists.
	State  *ChallengeState
	Now    time.Time
	Policy Policy
	// Reserve persists one more attempt against State and returns the new
	// count. The Authorizer sets it so the count is stored before any secret
	// is compared; it fails with ErrConflict when another request got there
	// first.
	Reserve func(ctx context.Context) (int, error)
}

// ReserveAttempt counts one verification attempt against State. Without a
// Reserve hook nothing is persisted and the result is State.Attempts+1.
func (in Input) ReserveAttempt(ctx context.Context) (int, error) {
	if in.State == nil {
		return 0, errNoState
	}
	if in.Reserve == nil {
		return in.State.Attempts + 1, nil
	}
	return in.Reserve(ctx)
}

// Action returns the submitted "action" field.
func (in Input) Action() string {
	return in.Form.Get("action")
}

// NewState builds a fresh challenge of kind with a zeroed attempt counter.
func (in Input) NewState(kind StateKind, public map[string]string, payload any) (*ChallengeState, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ChallengeState{
		FlowID:    in.FlowID,
		Kind:      kind,
		Public:    public,
		Payload:   raw,
		IssuedAt:  in.Now,
		ExpiresAt: in.Now.Add(in.Policy.TTL),
	}, nil
}

// Transition says what the core does with persisted state after a step.
type Transition uint8

const (
	// Stay leaves persisted state untouched.
	Stay Transition = iota
	// Replace writes Outcome.State over whatever was stored.
	Replace
	// Clear deletes the state.
	Clear
)

// Outcome is the result of advancing one step.
type Outcome struct {
	Transition Transition
	State      *ChallengeState
	Error      ErrorTag
	// Claims is set only on success and always implies Clear.
	Claims *Claims
}

// Retry keeps the current state and reports tag.
func Retry(tag ErrorTag) Outcome {
	return Outcome{Transition: Stay, Error: tag}
}

// Next replaces the stored state with s.
func Next(s *ChallengeState, tag ErrorTag) Outcome {
	return Outcome{Transition: Replace, State: s, Error: tag}
}

// Restart discards state and returns the flow to its start step.
func Restart(tag ErrorTag) Outcome {
	return Outcome{Transition: Clear, Error: tag}
}

// Done completes the flow.
func Done(c Claims) Outcome {
	return Outcome{Transition: Clear, Claims: &c}
}

// Claims are the verified facts a completed flow hands to the success callback.
type Claims struct {
	Provider string
	Email    string
	Fields   map[string]string
}

// Flow is one named state machine within an adapter.
type Flow interface {
	// Tags is the closed set of error tags Advance may return.
	Tags() TagSet
	Advance(ctx context.Context, in Input) (Outcome, error)
}

// FlowFunc adapts a function to Flow.
type FlowFunc func(ctx context.Context, in Input) (Outcome, error)

type declaredFlow struct {
	tags TagSet
	fn   FlowFunc
}

// Declare binds fn to its tag set.
func Declare(tags TagSet, fn FlowFunc) Flow {
	return declaredFlow{tags: tags, fn: fn}
}

func (f declaredFlow) Tags() TagSet { return f.tags }

func (f declaredFlow) Advance(ctx context.Context, in Input) (Outcome, error) {
	return f.fn(ctx, in)
}

// Adapter is a provider of one or more flows, constructed once with its own
// configuration and registered under a name.
type Adapter interface {
	Flows() map[string]Flow
}
