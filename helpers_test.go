package authflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/storage"
	"github.com/MrEthical07/authflow/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Challenge.TTL = 10 * time.Minute
	cfg.Challenge.MaxAttempts = 3
	cfg.Challenge.CodeLength = 6
	cfg.Signing.Method = "hs256"
	cfg.Signing.PrivateKey = bytes.Repeat([]byte("s"), 32)
	cfg.Cookie.Key = bytes.Repeat([]byte("c"), 32)
	cfg.Cookie.Secure = false
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPayload is what the stub flow keeps in state.
type stubPayload struct {
	Email string `json:"email"`
}

// stubFlow drives the Authorizer through every transition by action name.
func stubFlow() Flow {
	return Declare(NewTagSet(TagInvalidCode, TagInvalidEmail), func(ctx context.Context, in Input) (Outcome, error) {
		switch in.Action() {
		case "":
			email := in.Form.Get("email")
			if email == "" {
				return Restart(TagInvalidEmail), nil
			}
			s, err := in.NewState(KindCode, map[string]string{"email": email}, stubPayload{Email: email})
			if err != nil {
				return Outcome{}, err
			}
			return Next(s, TagNone), nil
		case "bump":
			if in.State == nil {
				return Restart(TagNone), nil
			}
			return Next(in.State.WithAttempts(in.State.Attempts+1), TagInvalidCode), nil
		case "guess":
			if in.State == nil {
				return Restart(TagNone), nil
			}
			if _, err := in.ReserveAttempt(ctx); err != nil {
				return Outcome{}, err
			}
			return Retry(TagInvalidCode), nil
		case "retry":
			return Retry(TagInvalidCode), nil
		case "reset":
			return Restart(TagInvalidCode), nil
		case "done":
			if in.State == nil {
				return Restart(TagNone), nil
			}
			var p stubPayload
			if err := in.State.Decode(&p); err != nil {
				return Outcome{}, err
			}
			return Done(Claims{Provider: "stub", Email: p.Email}), nil
		case "rogue":
			return Retry("made_up"), nil
		case "deliver":
			return Outcome{}, NewDeliveryError("code", errors.New("smtp down"))
		case "boom":
			return Outcome{}, errors.New("boom")
		}
		return Retry(TagNone), nil
	})
}

type stubAdapter struct {
	flows map[string]Flow
}

func (s stubAdapter) Flows() map[string]Flow { return s.flows }

func newStubAdapter() stubAdapter {
	return stubAdapter{flows: map[string]Flow{"authorize": stubFlow()}}
}

func stubCopy() Copy {
	return Copy{
		TagInvalidCode.CopyKey():  "That code is not right.",
		TagInvalidEmail.CopyKey(): "Enter a valid email.",
	}
}

func emailSuccess(ctx context.Context, c Claims, _ SuccessOptions) (Subject, error) {
	return Subject{Type: "user", ID: c.Email}, nil
}

type testEnv struct {
	auth    *Authorizer
	clock   *fakeClock
	storage *memory.Store
}

func newTestEnv(t *testing.T, configure ...func(*Builder)) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store, err := memory.New(memory.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}

	b := New().
		WithConfig(testConfig()).
		WithStorage(store).
		WithAdapter("stub", newStubAdapter()).
		WithCopy("stub", stubCopy()).
		WithSuccess(emailSuccess).
		WithSubject("user", nil).
		WithLogger(discardLogger()).
		WithClock(clock.Now)
	for _, fn := range configure {
		fn(b)
	}

	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(a.Close)

	return &testEnv{auth: a, clock: clock, storage: store}
}

// failingStorage reports every call as a backend outage.
type failingStorage struct{}

func (failingStorage) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, storage.ErrUnavailable
}

func (failingStorage) Set(context.Context, string, []byte, time.Duration) error {
	return storage.ErrUnavailable
}

func (failingStorage) Remove(context.Context, string) error {
	return storage.ErrUnavailable
}
