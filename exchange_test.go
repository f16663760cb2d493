package authflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T, clock *fakeClock) *CookieCodec {
	t.Helper()
	codec, err := NewCookieCodec(testConfig().Cookie)
	if err != nil {
		t.Fatalf("NewCookieCodec failed: %v", err)
	}
	codec.now = clock.Now
	return codec
}

// carry copies the Set-Cookie headers of rec onto a fresh request.
func carry(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			r.AddCookie(c)
		}
	}
	return r
}

func TestCookieExchangeRoundTrip(t *testing.T) {
	clock := newFakeClock()
	codec := newTestCodec(t, clock)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	ex := codec.Exchange(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err := ex.Set(ctx, "flow.code.authorize", time.Minute, "tok-1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var same string
	if ok, _ := ex.Get(ctx, "flow.code.authorize", &same); !ok || same != "tok-1" {
		t.Fatalf("expected write visible within request, got %q ok=%v", same, ok)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "authflow_flow.code.authorize" || !c.HttpOnly || c.MaxAge != 60 {
		t.Fatalf("unexpected cookie %+v", c)
	}
	if strings.Contains(c.Value, "tok-1") {
		t.Fatal("expected cookie value to be encrypted")
	}

	next := codec.Exchange(httptest.NewRecorder(), carry(rec))
	var got string
	if ok, err := next.Get(ctx, "flow.code.authorize", &got); err != nil || !ok || got != "tok-1" {
		t.Fatalf("expected value on next request, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestCookieExchangeExpiry(t *testing.T) {
	clock := newFakeClock()
	codec := newTestCodec(t, clock)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	if err := codec.Exchange(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Set(ctx, "k", time.Minute, 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(time.Minute)

	var v int
	if ok, _ := codec.Exchange(httptest.NewRecorder(), carry(rec)).Get(ctx, "k", &v); ok {
		t.Fatal("expected expired value to read as absent")
	}
}

func TestCookieExchangeRejectsTamperingAndKeySwap(t *testing.T) {
	clock := newFakeClock()
	codec := newTestCodec(t, clock)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	if err := codec.Exchange(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Set(ctx, "a", time.Minute, "secret"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	sealed := rec.Result().Cookies()[0].Value

	tampered := httptest.NewRequest(http.MethodGet, "/", nil)
	tampered.AddCookie(&http.Cookie{Name: "authflow_a", Value: sealed[:len(sealed)-2] + "xx"})
	var v string
	if ok, _ := codec.Exchange(httptest.NewRecorder(), tampered).Get(ctx, "a", &v); ok {
		t.Fatal("expected tampered cookie to read as absent")
	}

	// A value sealed for one key must not be accepted under another.
	swapped := httptest.NewRequest(http.MethodGet, "/", nil)
	swapped.AddCookie(&http.Cookie{Name: "authflow_b", Value: sealed})
	if ok, _ := codec.Exchange(httptest.NewRecorder(), swapped).Get(ctx, "b", &v); ok {
		t.Fatal("expected value sealed for another key to read as absent")
	}
}

func TestCookieExchangeUnset(t *testing.T) {
	clock := newFakeClock()
	codec := newTestCodec(t, clock)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	ex := codec.Exchange(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err := ex.Set(ctx, "k", time.Minute, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := ex.Unset(ctx, "k"); err != nil {
		t.Fatalf("Unset failed: %v", err)
	}

	var v int
	if ok, _ := ex.Get(ctx, "k", &v); ok {
		t.Fatal("expected unset value to be gone within the request")
	}
	cookies := rec.Result().Cookies()
	if last := cookies[len(cookies)-1]; last.MaxAge >= 0 {
		t.Fatalf("expected deletion cookie, got %+v", last)
	}
}

func TestExchangeRejectsNonPositiveMaxAge(t *testing.T) {
	ctx := context.Background()
	if err := NewMemoryExchange().Set(ctx, "k", 0, 1); err == nil {
		t.Fatal("expected memory exchange to reject zero maxAge")
	}
	codec := newTestCodec(t, newFakeClock())
	ex := codec.Exchange(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err := ex.Set(ctx, "k", -time.Second, 1); err == nil {
		t.Fatal("expected cookie exchange to reject negative maxAge")
	}
}

func TestMemoryExchangeExpiry(t *testing.T) {
	clock := newFakeClock()
	ex := NewMemoryExchange()
	ex.now = clock.Now
	ctx := context.Background()

	if err := ex.Set(ctx, "k", time.Second, "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var v string
	if ok, _ := ex.Get(ctx, "k", &v); !ok || v != "v" {
		t.Fatalf("expected value, got %q", v)
	}
	clock.Advance(time.Second)
	if ok, _ := ex.Get(ctx, "k", &v); ok {
		t.Fatal("expected expired value to read as absent")
	}
}
