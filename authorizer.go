package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/stores"
)

// SuccessOptions is handed to SuccessFunc.
type SuccessOptions struct {
	// Invalidate revokes every session previously issued to a subject.
	Invalidate func(ctx context.Context, subjectID string) error
}

// SuccessFunc maps verified claims to the subject a session is issued for.
type SuccessFunc func(ctx context.Context, claims Claims, opts SuccessOptions) (Subject, error)

// Limiter is consulted before every submitted step with the key
// "<adapter>:<flow>:<client-ip>". Returning an error wrapping ErrRateLimited
// rejects the step without touching state.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// Request is one HTTP-independent step request.
type Request struct {
	Adapter string
	Flow    string
	// Submit is false for a plain render of the current step.
	Submit bool
	Form   url.Values
}

// Prompt is what the renderer needs to draw the current step.
type Prompt struct {
	Adapter string
	Flow    string
	State   StateKind
	Public  map[string]string
	// Form echoes submitted non-secret fields so valid input survives a retry.
	Form  url.Values
	Error ErrorTag
}

// Result is either a Prompt or a completed session.
type Result struct {
	Prompt  *Prompt
	Subject *Subject
	Token   string
}

// secretFields are never echoed back in a Prompt.
var secretFields = []string{"password", "repeat", "code", "action", "flow"}

// Authorizer dispatches flow steps to registered adapters.
type Authorizer struct {
	adapters   map[string]Adapter
	success    SuccessFunc
	challenges *stores.ChallengeStore
	sessions   *SessionIssuer
	cookies    *CookieCodec
	limiter    Limiter
	policy     Policy
	copies     map[string]Copy
	logger     *slog.Logger
	metrics    *Metrics
	audit      *auditor
	now        func() time.Time
}

func flowExchangeKey(adapter, flow string) string {
	return "flow." + adapter + "." + flow
}

func (a *Authorizer) resolve(adapter, flow string) (Flow, error) {
	ad, ok := a.adapters[adapter]
	if !ok {
		return nil, &AdapterError{Adapter: adapter, Err: ErrAdapterUnknown}
	}
	f, ok := ad.Flows()[flow]
	if !ok {
		return nil, &AdapterError{Adapter: adapter, Flow: flow, Err: ErrAdapterUnknown}
	}
	return f, nil
}

func (a *Authorizer) loadState(ctx context.Context, adapter, flow, token string, now time.Time) (*ChallengeState, *stores.ChallengeRecord, error) {
	rec, err := a.challenges.Load(ctx, adapter, flow, token, now)
	if errors.Is(err, stores.ErrChallengeNotFound) {
		if errors.Is(err, ErrStorageUnavailable) {
			a.metrics.Inc(MetricStorageUnavailable)
			a.logger.WarnContext(ctx, "stale challenge not removed", "adapter", adapter, "flow", flow, "error", err, "request_id", requestIDFromContext(ctx))
		}
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	state := &ChallengeState{
		FlowID:    token,
		Adapter:   rec.Adapter,
		Flow:      rec.Flow,
		Kind:      StateKind(rec.Kind),
		Payload:   rec.Payload,
		Attempts:  int(rec.Attempts),
		IssuedAt:  time.Unix(0, rec.IssuedAt),
		ExpiresAt: time.Unix(0, rec.ExpiresAt),
	}
	if len(rec.Public) > 0 {
		if err := json.Unmarshal(rec.Public, &state.Public); err != nil {
			return nil, nil, nil
		}
	}
	return state, rec, nil
}

func (a *Authorizer) record(state *ChallengeState) (*stores.ChallengeRecord, error) {
	var public []byte
	if len(state.Public) > 0 {
		raw, err := json.Marshal(state.Public)
		if err != nil {
			return nil, err
		}
		public = raw
	}
	attempts := state.Attempts
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 0xFFFF {
		attempts = 0xFFFF
	}
	return &stores.ChallengeRecord{
		Adapter:   state.Adapter,
		Flow:      state.Flow,
		Kind:      string(state.Kind),
		Attempts:  uint16(attempts),
		IssuedAt:  state.IssuedAt.UnixNano(),
		ExpiresAt: state.ExpiresAt.UnixNano(),
		Public:    public,
		Payload:   state.Payload,
	}, nil
}

// saveState writes state. With a loaded prev the write only lands if prev is
// still what is stored.
func (a *Authorizer) saveState(ctx context.Context, prev *stores.ChallengeRecord, state *ChallengeState, now time.Time) error {
	rec, err := a.record(state)
	if err != nil {
		return err
	}
	if prev == nil {
		return a.challenges.Save(ctx, state.FlowID, rec, now)
	}
	return conflict(a.challenges.Replace(ctx, state.FlowID, prev, rec, now))
}

// reserver returns the Input.Reserve hook for a loaded state. It keeps state
// and rec in step with what is stored so the step's final write is checked
// against the reserved record.
func (a *Authorizer) reserver(token string, state *ChallengeState, rec *stores.ChallengeRecord, now time.Time) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		if int(rec.Attempts) >= a.policy.MaxAttempts {
			// Spent: report past the budget without writing.
			return int(rec.Attempts) + 1, nil
		}
		if err := a.challenges.ReserveAttempt(ctx, token, rec, now); err != nil {
			return 0, conflict(err)
		}
		state.Attempts = int(rec.Attempts)
		return state.Attempts, nil
	}
}

func conflict(err error) error {
	if errors.Is(err, stores.ErrChallengeConflict) || errors.Is(err, stores.ErrChallengeNotFound) {
		return ErrConflict
	}
	return err
}

func (a *Authorizer) prompt(req Request, state *ChallengeState, tag ErrorTag) *Prompt {
	p := &Prompt{
		Adapter: req.Adapter,
		Flow:    req.Flow,
		State:   KindStart,
		Error:   tag,
		Form:    url.Values{},
	}
	if state != nil {
		p.State = state.Kind
		p.Public = state.Public
	}
	for k, v := range req.Form {
		p.Form[k] = append([]string(nil), v...)
	}
	for _, k := range secretFields {
		p.Form.Del(k)
	}
	return p
}

func (a *Authorizer) fail(ctx context.Context, req Request, err error) error {
	var de *DeliveryError
	switch {
	case errors.As(err, &de):
		a.metrics.Inc(MetricDeliveryFailure)
		a.audit.emit(ctx, auditEventDeliveryFailed, false, req.Adapter, req.Flow, "", err, func() map[string]string {
			return map[string]string{"channel": de.Channel}
		})
		a.logger.WarnContext(ctx, "delivery failed", "adapter", req.Adapter, "flow", req.Flow, "channel", de.Channel, "error", de.Err, "request_id", requestIDFromContext(ctx))
	case errors.Is(err, ErrStorageUnavailable):
		a.metrics.Inc(MetricStorageUnavailable)
		a.audit.emit(ctx, auditEventFlowFailed, false, req.Adapter, req.Flow, "", err, nil)
		a.logger.ErrorContext(ctx, "storage unavailable", "adapter", req.Adapter, "flow", req.Flow, "error", err, "request_id", requestIDFromContext(ctx))
	case errors.Is(err, ErrConflict):
		a.audit.emit(ctx, auditEventFlowFailed, false, req.Adapter, req.Flow, "", err, nil)
		a.logger.WarnContext(ctx, "challenge changed by a concurrent step", "adapter", req.Adapter, "flow", req.Flow, "request_id", requestIDFromContext(ctx))
	default:
		a.audit.emit(ctx, auditEventFlowFailed, false, req.Adapter, req.Flow, "", err, nil)
		a.logger.ErrorContext(ctx, "flow step failed", "adapter", req.Adapter, "flow", req.Flow, "error", err, "request_id", requestIDFromContext(ctx))
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return &AdapterError{Adapter: req.Adapter, Flow: req.Flow, Err: err}
}

// Handle runs at most one adapter step for req.
//
// A render request returns the Prompt for whatever state is stored. A submit
// request advances the flow, persists the resulting transition and either
// returns the next Prompt or, on completion, issues a session through ex.
func (a *Authorizer) Handle(ctx context.Context, ex Exchange, req Request) (*Result, error) {
	started := a.now()
	defer func() { a.metrics.Observe(MetricStepLatency, a.now().Sub(started)) }()

	flow, err := a.resolve(req.Adapter, req.Flow)
	if err != nil {
		a.metrics.Inc(MetricAdapterUnknown)
		a.audit.emit(ctx, auditEventFlowFailed, false, req.Adapter, req.Flow, "", err, nil)
		return nil, err
	}
	if req.Form == nil {
		req.Form = url.Values{}
	}

	exKey := flowExchangeKey(req.Adapter, req.Flow)
	var token string
	if t := req.Form.Get("flow"); req.Submit && t != "" {
		token = t
	} else if _, err := ex.Get(ctx, exKey, &token); err != nil {
		return nil, a.fail(ctx, req, err)
	}

	now := a.now()
	var (
		state  *ChallengeState
		loaded *stores.ChallengeRecord
	)
	if token != "" {
		state, loaded, err = a.loadState(ctx, req.Adapter, req.Flow, token, now)
		if err != nil {
			return nil, a.fail(ctx, req, err)
		}
	}

	if !req.Submit {
		a.metrics.Inc(MetricStepRendered)
		return &Result{Prompt: a.prompt(req, state, TagNone)}, nil
	}
	a.metrics.Inc(MetricStepSubmitted)

	if a.limiter != nil {
		key := req.Adapter + ":" + req.Flow + ":" + clientIPFromContext(ctx)
		if err := a.limiter.Allow(ctx, key); err != nil {
			if errors.Is(err, ErrRateLimited) {
				a.metrics.Inc(MetricRateLimited)
				a.audit.emit(ctx, auditEventRateLimited, false, req.Adapter, req.Flow, "", err, nil)
				return nil, err
			}
			return nil, a.fail(ctx, req, err)
		}
	}

	hadToken := token != ""
	if state == nil {
		if token, err = internal.NewFlowToken(); err != nil {
			return nil, a.fail(ctx, req, err)
		}
	}

	in := Input{
		FlowID: token,
		Form:   req.Form,
		State:  state,
		Now:    now,
		Policy: a.policy,
	}
	if state != nil {
		in.Reserve = a.reserver(token, state, loaded, now)
	}
	out, err := flow.Advance(ctx, in)
	if err != nil {
		return nil, a.fail(ctx, req, err)
	}

	if !flow.Tags().Has(out.Error) {
		a.metrics.Inc(MetricUndeclaredTag)
		a.logger.ErrorContext(ctx, "adapter returned undeclared error tag", "adapter", req.Adapter, "flow", req.Flow, "tag", string(out.Error))
		err := &AdapterError{Adapter: req.Adapter, Flow: req.Flow, Err: fmt.Errorf("%w: %q", ErrUndeclaredTag, out.Error)}
		a.audit.emit(ctx, auditEventFlowFailed, false, req.Adapter, req.Flow, "", err, nil)
		return nil, err
	}
	if out.Claims != nil {
		out.Transition = Clear
	}

	switch out.Transition {
	case Replace:
		if out.State == nil {
			return nil, a.fail(ctx, req, errors.New("replace transition without state"))
		}
		next := *out.State
		next.FlowID, next.Adapter, next.Flow = token, req.Adapter, req.Flow
		if err := a.saveState(ctx, loaded, &next, now); err != nil {
			return nil, a.fail(ctx, req, err)
		}
		// Rewritten on every replace so the exchange lives as long as the state.
		if err := ex.Set(ctx, exKey, next.ExpiresAt.Sub(now), token); err != nil {
			return nil, a.fail(ctx, req, err)
		}
		if state == nil {
			a.metrics.Inc(MetricChallengeStarted)
			a.audit.emit(ctx, auditEventChallengeStarted, true, req.Adapter, req.Flow, "", nil, func() map[string]string {
				return map[string]string{"state": string(next.Kind)}
			})
		} else {
			a.metrics.Inc(MetricChallengeAdvanced)
			a.audit.emit(ctx, auditEventChallengeAdvanced, true, req.Adapter, req.Flow, "", nil, func() map[string]string {
				return map[string]string{"state": string(next.Kind), "attempts": fmt.Sprint(next.Attempts)}
			})
		}
		state = &next

	case Clear:
		if state != nil {
			if err := a.challenges.Discard(ctx, token, loaded); err != nil {
				return nil, a.fail(ctx, req, conflict(err))
			}
			if out.Claims == nil {
				a.metrics.Inc(MetricChallengeReset)
				a.audit.emit(ctx, auditEventChallengeReset, false, req.Adapter, req.Flow, "", nil, func() map[string]string {
					return map[string]string{"from": string(state.Kind), "tag": string(out.Error)}
				})
			}
		}
		if hadToken {
			if err := ex.Unset(ctx, exKey); err != nil {
				return nil, a.fail(ctx, req, err)
			}
		}
		state = nil
	}

	if out.Error != TagNone {
		a.metrics.Inc(MetricStepRejected)
		a.audit.emit(ctx, auditEventStepRejected, false, req.Adapter, req.Flow, "", nil, func() map[string]string {
			return map[string]string{"tag": string(out.Error)}
		})
	}
	if out.Claims == nil {
		return &Result{Prompt: a.prompt(req, state, out.Error)}, nil
	}

	return a.complete(ctx, ex, req, *out.Claims)
}

func (a *Authorizer) complete(ctx context.Context, ex Exchange, req Request, claims Claims) (*Result, error) {
	subject, err := a.success(ctx, claims, SuccessOptions{Invalidate: a.Invalidate})
	if err != nil {
		return nil, a.fail(ctx, req, err)
	}
	token, err := a.sessions.Issue(ctx, ex, subject, 0)
	if err != nil {
		return nil, a.fail(ctx, req, err)
	}

	a.metrics.Inc(MetricFlowSuccess)
	a.audit.emit(ctx, auditEventFlowSucceeded, true, req.Adapter, req.Flow, subject.ID, nil, func() map[string]string {
		return map[string]string{"provider": claims.Provider}
	})
	return &Result{Subject: &subject, Token: token}, nil
}

// Invalidate revokes every session previously issued to subjectID.
func (a *Authorizer) Invalidate(ctx context.Context, subjectID string) error {
	return a.sessions.Invalidate(ctx, subjectID)
}

// Sessions exposes the issuer for reading and clearing sessions.
func (a *Authorizer) Sessions() *SessionIssuer {
	return a.sessions
}

// Exchange returns the cookie-backed exchange for one HTTP request.
func (a *Authorizer) Exchange(w http.ResponseWriter, r *http.Request) *CookieExchange {
	return a.cookies.Exchange(w, r)
}

// Copy returns the catalog registered for adapter, or nil.
func (a *Authorizer) Copy(adapter string) Copy {
	return a.copies[adapter]
}

// Adapters lists registered adapter names with their flow names.
func (a *Authorizer) Adapters() map[string][]string {
	out := make(map[string][]string, len(a.adapters))
	for name, ad := range a.adapters {
		for flow := range ad.Flows() {
			out[name] = append(out[name], flow)
		}
	}
	return out
}

// MetricsSnapshot returns the current counter values.
func (a *Authorizer) MetricsSnapshot() MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Metrics returns the live collector for exporters.
func (a *Authorizer) Metrics() *Metrics {
	return a.metrics
}

// AuditDropped reports events dropped because the audit buffer was full.
func (a *Authorizer) AuditDropped() uint64 {
	return a.audit.dropped()
}

// Close flushes pending audit events.
func (a *Authorizer) Close() {
	a.audit.close()
}
