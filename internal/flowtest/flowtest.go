// Package flowtest builds an in-memory Authorizer around one adapter so
// adapter tests can drive complete flows.
package flowtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/storage/memory"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Config is a valid configuration with a ten minute challenge TTL, three
// attempts and six digit codes.
func Config() authflow.Config {
	cfg := authflow.DefaultConfig()
	cfg.Challenge.TTL = 10 * time.Minute
	cfg.Challenge.MaxAttempts = 3
	cfg.Challenge.CodeLength = 6
	cfg.Signing.Method = "hs256"
	cfg.Signing.PrivateKey = bytes.Repeat([]byte("s"), 32)
	cfg.Cookie.Key = bytes.Repeat([]byte("c"), 32)
	cfg.Cookie.Secure = false
	return cfg
}

// Outbox records delivered messages per recipient.
type Outbox struct {
	mu   sync.Mutex
	msgs map[string][]string
	// Fail, when set, is returned by every Send.
	Fail error
}

func NewOutbox() *Outbox {
	return &Outbox{msgs: make(map[string][]string)}
}

func (o *Outbox) Send(ctx context.Context, to, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Fail != nil {
		return o.Fail
	}
	o.msgs[to] = append(o.msgs[to], body)
	return nil
}

// Last returns the most recent message sent to, or "".
func (o *Outbox) Last(to string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.msgs[to]
	if len(m) == 0 {
		return ""
	}
	return m[len(m)-1]
}

func (o *Outbox) Count(to string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs[to])
}

// Harness is an Authorizer with a single adapter mounted under Name.
type Harness struct {
	Name    string
	Auth    *authflow.Authorizer
	Storage *memory.Store
	Clock   *Clock
}

// EmailSubject maps claims to a "user" subject keyed by email.
func EmailSubject(ctx context.Context, c authflow.Claims, _ authflow.SuccessOptions) (authflow.Subject, error) {
	return authflow.Subject{Type: "user", ID: c.Email}, nil
}

// NewStore returns an empty memory store driven by a fresh Clock.
func NewStore(t testing.TB) (*memory.Store, *Clock) {
	t.Helper()
	clock := NewClock()
	store, err := memory.New(memory.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	return store, clock
}

// New builds a Harness on a fresh store. configure runs after the defaults
// are applied.
func New(t testing.TB, name string, a authflow.Adapter, configure ...func(*authflow.Builder)) *Harness {
	t.Helper()
	store, clock := NewStore(t)
	return Mount(t, store, clock, name, a, configure...)
}

// Mount builds a Harness on an existing store, for adapters that keep their
// own records in the same backend.
func Mount(t testing.TB, store *memory.Store, clock *Clock, name string, a authflow.Adapter, configure ...func(*authflow.Builder)) *Harness {
	t.Helper()

	b := authflow.New().
		WithConfig(Config()).
		WithStorage(store).
		WithAdapter(name, a).
		WithSuccess(EmailSubject).
		WithSubject("user", nil).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(clock.Now)
	for _, fn := range configure {
		fn(b)
	}

	auth, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(auth.Close)

	return &Harness{Name: name, Auth: auth, Storage: store, Clock: clock}
}

// Step submits form to flow.
func (h *Harness) Step(ex authflow.Exchange, flow string, form url.Values) (*authflow.Result, error) {
	return h.Auth.Handle(context.Background(), ex, authflow.Request{
		Adapter: h.Name,
		Flow:    flow,
		Submit:  true,
		Form:    form,
	})
}

// Submit is Step that fails the test on error.
func (h *Harness) Submit(t testing.TB, ex authflow.Exchange, flow string, form url.Values) *authflow.Result {
	t.Helper()
	res, err := h.Step(ex, flow, form)
	if err != nil {
		t.Fatalf("%s/%s step failed: %v", h.Name, flow, err)
	}
	return res
}

// Prompt is Submit that also requires the result to be a prompt.
func (h *Harness) Prompt(t testing.TB, ex authflow.Exchange, flow string, form url.Values) *authflow.Prompt {
	t.Helper()
	res := h.Submit(t, ex, flow, form)
	if res.Prompt == nil {
		t.Fatalf("%s/%s: expected a prompt, got subject %+v", h.Name, flow, res.Subject)
	}
	return res.Prompt
}

// Render returns the prompt for the flow's current state.
func (h *Harness) Render(t testing.TB, ex authflow.Exchange, flow string) *authflow.Prompt {
	t.Helper()
	res, err := h.Auth.Handle(context.Background(), ex, authflow.Request{Adapter: h.Name, Flow: flow})
	if err != nil {
		t.Fatalf("%s/%s render failed: %v", h.Name, flow, err)
	}
	return res.Prompt
}

// Attempts returns the attempt counter stored for the flow ex is in, reading
// the record the way the Authorizer does.
func (h *Harness) Attempts(t testing.TB, ex authflow.Exchange, flow string) int {
	t.Helper()
	ctx := context.Background()
	var token string
	if ok, err := ex.Get(ctx, "flow."+h.Name+"."+flow, &token); err != nil || !ok {
		t.Fatalf("%s/%s: no flow token in exchange (err=%v)", h.Name, flow, err)
	}
	rec, err := stores.NewChallengeStore(h.Storage, Config().Challenge.KeyPrefix).Load(ctx, h.Name, flow, token, h.Clock.Now())
	if err != nil {
		t.Fatalf("%s/%s: load challenge: %v", h.Name, flow, err)
	}
	return int(rec.Attempts)
}
