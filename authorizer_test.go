package authflow

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/storage"
)

const (
	stubAdapterName = "stub"
	stubFlowName    = "authorize"
)

func submit(t *testing.T, a *Authorizer, ctx context.Context, ex Exchange, form url.Values) *Result {
	t.Helper()
	res, err := a.Handle(ctx, ex, Request{Adapter: stubAdapterName, Flow: stubFlowName, Submit: true, Form: form})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	return res
}

func render(t *testing.T, a *Authorizer, ex Exchange) *Prompt {
	t.Helper()
	res, err := a.Handle(context.Background(), ex, Request{Adapter: stubAdapterName, Flow: stubFlowName})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if res.Prompt == nil {
		t.Fatal("expected a prompt on render")
	}
	return res.Prompt
}

func flowToken(t *testing.T, ex Exchange) (string, bool) {
	t.Helper()
	var tok string
	ok, err := ex.Get(context.Background(), flowExchangeKey(stubAdapterName, stubFlowName), &tok)
	if err != nil {
		t.Fatalf("exchange get failed: %v", err)
	}
	return tok, ok
}

func TestRenderWithoutStateIsStart(t *testing.T) {
	env := newTestEnv(t)
	p := render(t, env.auth, NewMemoryExchange())

	if p.State != KindStart {
		t.Fatalf("expected start state, got %q", p.State)
	}
	if p.Error != TagNone {
		t.Fatalf("expected no error, got %q", p.Error)
	}
	if env.storage.Len() != 0 {
		t.Fatalf("render must not write state, store has %d entries", env.storage.Len())
	}
}

func TestStartPersistsStateAndFlowToken(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()

	res := submit(t, env.auth, context.Background(), ex, url.Values{"email": {"a@x.com"}})
	if res.Prompt == nil || res.Prompt.State != KindCode {
		t.Fatalf("expected code prompt, got %+v", res)
	}
	if res.Prompt.Public["email"] != "a@x.com" {
		t.Fatalf("expected public email, got %v", res.Prompt.Public)
	}

	tok, ok := flowToken(t, ex)
	if !ok || tok == "" {
		t.Fatal("expected flow token in exchange")
	}
	if env.storage.Len() != 1 {
		t.Fatalf("expected one stored challenge, got %d", env.storage.Len())
	}

	if p := render(t, env.auth, ex); p.State != KindCode {
		t.Fatalf("expected render to resume code state, got %q", p.State)
	}
}

func TestRestartOfStartReplacesState(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()

	submit(t, env.auth, context.Background(), ex, url.Values{"email": {"a@x.com"}})
	first, _ := flowToken(t, ex)
	res := submit(t, env.auth, context.Background(), ex, url.Values{"email": {"b@x.com"}})

	if res.Prompt.Public["email"] != "b@x.com" {
		t.Fatalf("expected replaced state, got %v", res.Prompt.Public)
	}
	second, _ := flowToken(t, ex)
	if first != second {
		t.Fatal("expected token to be reused while state is live")
	}
	if env.storage.Len() != 1 {
		t.Fatalf("expected a single challenge, got %d", env.storage.Len())
	}
}

func TestRetryKeepsState(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	res := submit(t, env.auth, ctx, ex, url.Values{"action": {"retry"}})

	if res.Prompt.Error != TagInvalidCode {
		t.Fatalf("expected invalid_code, got %q", res.Prompt.Error)
	}
	if res.Prompt.State != KindCode {
		t.Fatalf("expected state kept, got %q", res.Prompt.State)
	}
}

func TestAttemptCounterPersistsAcrossSteps(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	submit(t, env.auth, ctx, ex, url.Values{"action": {"bump"}})
	submit(t, env.auth, ctx, ex, url.Values{"action": {"bump"}})

	tok, _ := flowToken(t, ex)
	state, _, err := env.auth.loadState(ctx, stubAdapterName, stubFlowName, tok, env.clock.Now())
	if err != nil {
		t.Fatalf("loadState failed: %v", err)
	}
	if state == nil || state.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %+v", state)
	}
}

func TestReservedAttemptPersistsWithoutReplace(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	submit(t, env.auth, ctx, ex, url.Values{"action": {"guess"}})
	res := submit(t, env.auth, ctx, ex, url.Values{"action": {"guess"}})
	if res.Prompt.Error != TagInvalidCode || res.Prompt.State != KindCode {
		t.Fatalf("expected retry at code step, got %q/%q", res.Prompt.State, res.Prompt.Error)
	}

	tok, _ := flowToken(t, ex)
	state, _, err := env.auth.loadState(ctx, stubAdapterName, stubFlowName, tok, env.clock.Now())
	if err != nil {
		t.Fatalf("loadState failed: %v", err)
	}
	if state == nil || state.Attempts != 2 {
		t.Fatalf("expected 2 reserved attempts, got %+v", state)
	}
}

// gatedAdapter parks every step until release is closed, so a test can run
// another step against the same state in between.
type gatedAdapter struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedAdapter) Flows() map[string]Flow {
	return map[string]Flow{stubFlowName: Declare(NewTagSet(TagInvalidCode), func(ctx context.Context, in Input) (Outcome, error) {
		if in.State == nil {
			s, err := in.NewState(KindCode, nil, stubPayload{Email: in.Form.Get("email")})
			if err != nil {
				return Outcome{}, err
			}
			return Next(s, TagNone), nil
		}
		if in.Action() == "wait" {
			close(g.entered)
			<-g.release
		}
		if _, err := in.ReserveAttempt(ctx); err != nil {
			return Outcome{}, err
		}
		if in.Action() == "done" {
			return Done(Claims{Provider: "gated", Email: "a@x.com"}), nil
		}
		return Retry(TagInvalidCode), nil
	})}
}

func TestStaleStepFailsClosed(t *testing.T) {
	gate := gatedAdapter{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, func(b *Builder) {
		b.WithAdapter("gated", gate).WithCopy("gated", Copy{TagInvalidCode.CopyKey(): "Wrong."})
	})
	ctx := context.Background()
	step := func(ex Exchange, form url.Values) (*Result, error) {
		return env.auth.Handle(ctx, ex, Request{Adapter: "gated", Flow: stubFlowName, Submit: true, Form: form})
	}

	ex := NewMemoryExchange()
	if _, err := step(ex, url.Values{"email": {"a@x.com"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var tok string
	if _, err := ex.Get(ctx, flowExchangeKey("gated", stubFlowName), &tok); err != nil || tok == "" {
		t.Fatalf("expected flow token, got %q err=%v", tok, err)
	}

	type result struct {
		res *Result
		err error
	}
	stale := make(chan result, 1)
	go func() {
		res, err := step(NewMemoryExchange(), url.Values{"flow": {tok}, "action": {"wait"}})
		stale <- result{res, err}
	}()
	<-gate.entered

	// Lands between the parked step's load and its reservation.
	if _, err := step(NewMemoryExchange(), url.Values{"flow": {tok}, "action": {"guess"}}); err != nil {
		t.Fatalf("concurrent guess: %v", err)
	}
	close(gate.release)

	got := <-stale
	if !errors.Is(got.err, ErrConflict) {
		t.Fatalf("expected ErrConflict for the stale step, got %+v / %v", got.res, got.err)
	}

	state, _, err := env.auth.loadState(ctx, "gated", stubFlowName, tok, env.clock.Now())
	if err != nil || state == nil {
		t.Fatalf("expected state kept, got %+v err=%v", state, err)
	}
	if state.Attempts != 1 {
		t.Fatalf("expected only the winning attempt counted, got %d", state.Attempts)
	}
}

func TestCompletionAgainstChangedStateIssuesNothing(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	tok, _ := flowToken(t, ex)
	key := "challenge:" + stubAdapterName + ":" + stubFlowName + ":" + tok

	// Rewrite the stored record out from under the step that already loaded it.
	env.auth.adapters[stubAdapterName] = stubAdapter{flows: map[string]Flow{stubFlowName: Declare(NewTagSet(), func(ctx context.Context, in Input) (Outcome, error) {
		raw, _, err := env.storage.Get(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		if err := env.storage.Set(ctx, key, append(raw[:len(raw):len(raw)], 0), time.Minute); err != nil {
			return Outcome{}, err
		}
		return Done(Claims{Provider: "stub", Email: "a@x.com"}), nil
	})}}

	res, err := env.auth.Handle(ctx, ex, Request{Adapter: stubAdapterName, Flow: stubFlowName, Submit: true, Form: url.Values{"action": {"done"}}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %+v / %v", res, err)
	}
	if got := env.auth.MetricsSnapshot().Counters[MetricSessionIssued]; got != 0 {
		t.Fatalf("expected no session issued, got %d", got)
	}
}

func TestRestartClearsStateAndToken(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	res := submit(t, env.auth, ctx, ex, url.Values{"action": {"reset"}})

	if res.Prompt.State != KindStart || res.Prompt.Error != TagInvalidCode {
		t.Fatalf("expected start with invalid_code, got %q/%q", res.Prompt.State, res.Prompt.Error)
	}
	if env.storage.Len() != 0 {
		t.Fatalf("expected state removed, got %d entries", env.storage.Len())
	}
	if _, ok := flowToken(t, ex); ok {
		t.Fatal("expected flow token unset")
	}
	if got := env.auth.MetricsSnapshot().Counters[MetricChallengeReset]; got != 1 {
		t.Fatalf("expected one reset, got %d", got)
	}
}

func TestExpiredStateReadsAsAbsent(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	env.clock.Advance(10 * time.Minute)

	if p := render(t, env.auth, ex); p.State != KindStart {
		t.Fatalf("expected expired state to render as start, got %q", p.State)
	}
	res := submit(t, env.auth, ctx, ex, url.Values{"action": {"done"}})
	if res.Prompt == nil || res.Prompt.State != KindStart {
		t.Fatalf("expected completion against expired state to restart, got %+v", res)
	}
}

func TestDoneIssuesSessionAndClearsState(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	res := submit(t, env.auth, ctx, ex, url.Values{"action": {"done"}})

	if res.Subject == nil || res.Subject.ID != "a@x.com" || res.Token == "" {
		t.Fatalf("expected issued session, got %+v", res)
	}
	if _, ok := flowToken(t, ex); ok {
		t.Fatal("expected flow token unset after success")
	}
	if env.storage.Len() != 0 {
		t.Fatalf("expected challenge removed, got %d entries", env.storage.Len())
	}

	sub, ok, err := env.auth.Sessions().Read(ctx, ex)
	if err != nil || !ok {
		t.Fatalf("expected readable session, ok=%v err=%v", ok, err)
	}
	if sub.Type != "user" || sub.ID != "a@x.com" {
		t.Fatalf("unexpected subject %+v", sub)
	}

	snap := env.auth.MetricsSnapshot()
	if snap.Counters[MetricFlowSuccess] != 1 || snap.Counters[MetricSessionIssued] != 1 {
		t.Fatalf("expected success counters, got %+v", snap.Counters)
	}
}

func TestFlowTokenFromFormResumesInAnotherExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	origin := NewMemoryExchange()
	submit(t, env.auth, ctx, origin, url.Values{"email": {"a@x.com"}})
	tok, _ := flowToken(t, origin)

	other := NewMemoryExchange()
	res := submit(t, env.auth, ctx, other, url.Values{"flow": {tok}, "action": {"done"}})
	if res.Subject == nil || res.Subject.ID != "a@x.com" {
		t.Fatalf("expected success from the other exchange, got %+v", res)
	}
}

func TestPromptDoesNotEchoSecrets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := submit(t, env.auth, ctx, NewMemoryExchange(), url.Values{
		"email":    {"a@x.com"},
		"name":     {"Ada"},
		"password": {"hunter2"},
		"repeat":   {"hunter2"},
		"code":     {"123456"},
	})

	form := res.Prompt.Form
	for _, k := range []string{"password", "repeat", "code", "action", "flow"} {
		if form.Has(k) {
			t.Fatalf("expected %q not echoed", k)
		}
	}
	if form.Get("email") != "a@x.com" || form.Get("name") != "Ada" {
		t.Fatalf("expected non-secret fields echoed, got %v", form)
	}
}

func TestUnknownAdapterAndFlow(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()

	for _, req := range []Request{
		{Adapter: "nope", Flow: stubFlowName, Submit: true},
		{Adapter: stubAdapterName, Flow: "nope"},
	} {
		_, err := env.auth.Handle(context.Background(), ex, req)
		if !errors.Is(err, ErrAdapterUnknown) {
			t.Fatalf("expected ErrAdapterUnknown for %+v, got %v", req, err)
		}
		var ae *AdapterError
		if !errors.As(err, &ae) || ae.Adapter != req.Adapter {
			t.Fatalf("expected AdapterError naming %q, got %v", req.Adapter, err)
		}
	}
	if got := env.auth.MetricsSnapshot().Counters[MetricAdapterUnknown]; got != 2 {
		t.Fatalf("expected 2 unknown adapter counts, got %d", got)
	}
}

func TestUndeclaredTagIsRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Handle(context.Background(), NewMemoryExchange(), Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"rogue"}},
	})
	if !errors.Is(err, ErrUndeclaredTag) {
		t.Fatalf("expected ErrUndeclaredTag, got %v", err)
	}
	if got := env.auth.MetricsSnapshot().Counters[MetricUndeclaredTag]; got != 1 {
		t.Fatalf("expected undeclared tag count 1, got %d", got)
	}
}

func TestDeliveryFailureWritesNoState(t *testing.T) {
	env := newTestEnv(t)
	ex := NewMemoryExchange()

	_, err := env.auth.Handle(context.Background(), ex, Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"deliver"}},
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Channel != "code" {
		t.Fatalf("expected DeliveryError on code channel, got %v", err)
	}
	if env.storage.Len() != 0 {
		t.Fatalf("expected no state written, got %d entries", env.storage.Len())
	}
	if _, ok := flowToken(t, ex); ok {
		t.Fatal("expected no flow token written")
	}
	if got := env.auth.MetricsSnapshot().Counters[MetricDeliveryFailure]; got != 1 {
		t.Fatalf("expected delivery failure count 1, got %d", got)
	}
}

func TestAdapterFailureIsWrapped(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Handle(context.Background(), NewMemoryExchange(), Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"boom"}},
	})
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if ae.Adapter != stubAdapterName || ae.Flow != stubFlowName {
		t.Fatalf("unexpected adapter error fields %+v", ae)
	}
}

type recordingLimiter struct {
	keys  []string
	allow int
}

func (l *recordingLimiter) Allow(ctx context.Context, key string) error {
	l.keys = append(l.keys, key)
	if len(l.keys) > l.allow {
		return ErrRateLimited
	}
	return nil
}

func TestLimiterRejectsWithoutTouchingState(t *testing.T) {
	lim := &recordingLimiter{allow: 1}
	env := newTestEnv(t, func(b *Builder) { b.WithLimiter(lim) })
	ex := NewMemoryExchange()
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	_, err := env.auth.Handle(ctx, ex, Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"reset"}},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if lim.keys[0] != "stub:authorize:203.0.113.9" {
		t.Fatalf("unexpected limiter key %q", lim.keys[0])
	}
	if env.storage.Len() != 1 {
		t.Fatal("expected state untouched by a limited step")
	}

	// Renders are never limited.
	render(t, env.auth, ex)
	if len(lim.keys) != 2 {
		t.Fatalf("expected limiter consulted only on submit, got %d calls", len(lim.keys))
	}
}

func TestStorageOutageSurfaces(t *testing.T) {
	clock := newFakeClock()
	a, err := New().
		WithConfig(testConfig()).
		WithStorage(failingStorage{}).
		WithAdapter(stubAdapterName, newStubAdapter()).
		WithSuccess(emailSuccess).
		WithSubject("user", nil).
		WithLogger(discardLogger()).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = a.Handle(context.Background(), NewMemoryExchange(), Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"email": {"a@x.com"}},
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if got := a.MetricsSnapshot().Counters[MetricStorageUnavailable]; got != 1 {
		t.Fatalf("expected storage unavailable count 1, got %d", got)
	}
}

func TestSuccessCallbackFailureIssuesNothing(t *testing.T) {
	env := newTestEnv(t, func(b *Builder) {
		b.WithSuccess(func(context.Context, Claims, SuccessOptions) (Subject, error) {
			return Subject{}, errors.New("account disabled")
		})
	})
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	_, err := env.auth.Handle(ctx, ex, Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"done"}},
	})
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if _, ok, _ := env.auth.Sessions().Read(ctx, ex); ok {
		t.Fatal("expected no session after failed success callback")
	}
}

func TestSuccessWithUnregisteredSubjectType(t *testing.T) {
	env := newTestEnv(t, func(b *Builder) {
		b.WithSuccess(func(_ context.Context, c Claims, _ SuccessOptions) (Subject, error) {
			return Subject{Type: "admin", ID: c.Email}, nil
		})
	})
	ex := NewMemoryExchange()
	ctx := context.Background()

	submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
	_, err := env.auth.Handle(ctx, ex, Request{
		Adapter: stubAdapterName, Flow: stubFlowName, Submit: true,
		Form: url.Values{"action": {"done"}},
	})
	if !errors.Is(err, ErrSubjectType) {
		t.Fatalf("expected ErrSubjectType, got %v", err)
	}
}

func TestSuccessCanInvalidatePriorSessions(t *testing.T) {
	env := newTestEnv(t, func(b *Builder) {
		b.WithSuccess(func(ctx context.Context, c Claims, opts SuccessOptions) (Subject, error) {
			if err := opts.Invalidate(ctx, c.Email); err != nil {
				return Subject{}, err
			}
			return Subject{Type: "user", ID: c.Email}, nil
		})
	})
	ctx := context.Background()

	login := func() string {
		ex := NewMemoryExchange()
		submit(t, env.auth, ctx, ex, url.Values{"email": {"a@x.com"}})
		res := submit(t, env.auth, ctx, ex, url.Values{"action": {"done"}})
		return res.Token
	}

	first := login()
	second := login()

	if _, err := env.auth.Sessions().Verify(ctx, first); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected first session revoked, got %v", err)
	}
	if _, err := env.auth.Sessions().Verify(ctx, second); err != nil {
		t.Fatalf("expected second session valid, got %v", err)
	}
}

func TestAdaptersListsFlows(t *testing.T) {
	env := newTestEnv(t)
	got := env.auth.Adapters()
	if len(got) != 1 || len(got[stubAdapterName]) != 1 || got[stubAdapterName][0] != stubFlowName {
		t.Fatalf("unexpected adapters %v", got)
	}
	if env.auth.Copy(stubAdapterName)[TagInvalidCode.CopyKey()] == "" {
		t.Fatal("expected registered copy")
	}
}

// stuckRemove is a backend whose deletes always fail.
type stuckRemove struct{ storage.Storage }

func (stuckRemove) Remove(context.Context, string) error { return storage.ErrUnavailable }

func TestStaleChallengeCleanupFailureIsLogged(t *testing.T) {
	var logs syncBuffer
	env := newTestEnv(t, func(b *Builder) {
		b.WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	})
	env.auth.challenges = stores.NewChallengeStore(stuckRemove{env.storage}, testConfig().Challenge.KeyPrefix)

	ctx := context.Background()
	ex := NewMemoryExchange()
	_ = ex.Set(ctx, flowExchangeKey(stubAdapterName, stubFlowName), time.Minute, "tok")
	_ = env.storage.Set(ctx, "challenge:"+stubAdapterName+":"+stubFlowName+":tok", []byte("garbage"), time.Minute)

	if p := render(t, env.auth, ex); p.State != KindStart {
		t.Fatalf("expected a corrupt record to read as absent, got %q", p.State)
	}
	if !logs.Contains("stale challenge not removed") {
		t.Fatalf("expected the failed cleanup to be logged, got %q", logs.String())
	}
}
