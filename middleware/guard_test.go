package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/adapter/code"
	"github.com/MrEthical07/authflow/internal/flowtest"
)

func newGuarded(t *testing.T, mw ...func(http.Handler) http.Handler) (*flowtest.Harness, http.Handler) {
	t.Helper()
	a, err := code.New(code.Config{SendCode: flowtest.NewOutbox().Send})
	if err != nil {
		t.Fatalf("code.New failed: %v", err)
	}
	h := flowtest.New(t, "code", a, func(b *authflow.Builder) {
		b.WithSubject("service", nil)
	})

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubjectFromContext(r.Context())
		if !ok {
			t.Fatal("expected subject in context")
		}
		_, _ = w.Write([]byte(sub.ID))
	})
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return h, Guard(h.Auth)(handler)
}

func issue(t *testing.T, h *flowtest.Harness, sub authflow.Subject) string {
	t.Helper()
	token, err := h.Auth.Sessions().Issue(context.Background(), authflow.NewMemoryExchange(), sub, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

func TestGuardBearer(t *testing.T) {
	h, handler := newGuarded(t)
	token := issue(t, h, authflow.Subject{Type: "user", ID: "u1"})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "u1" {
		t.Fatalf("expected 200 u1, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestGuardCookie(t *testing.T) {
	h, handler := newGuarded(t)

	rec := httptest.NewRecorder()
	ex := h.Auth.Exchange(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := h.Auth.Sessions().Issue(context.Background(), ex, authflow.Subject{Type: "user", ID: "u1"}, 0); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "u1" {
		t.Fatalf("expected 200 u1, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestGuardRejects(t *testing.T) {
	h, handler := newGuarded(t)
	revoked := issue(t, h, authflow.Subject{Type: "user", ID: "u1"})
	if err := h.Auth.Invalidate(context.Background(), "u1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	for name, header := range map[string]string{
		"missing":      "",
		"garbage":      "Bearer nope",
		"revoked":      "Bearer " + revoked,
		"wrong scheme": "Basic abc",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestRequireType(t *testing.T) {
	h, handler := newGuarded(t, RequireType("service"))

	for _, tc := range []struct {
		sub  authflow.Subject
		want int
	}{
		{authflow.Subject{Type: "service", ID: "svc"}, http.StatusOK},
		{authflow.Subject{Type: "user", ID: "u1"}, http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+issue(t, h, tc.sub))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.sub.Type, tc.want, rr.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if _, ok := bearerToken("Bearer "); ok {
		t.Fatal("expected empty bearer rejected")
	}
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected parse %q %v", tok, ok)
	}
}
