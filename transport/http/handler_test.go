package httptransport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/adapter/code"
	"github.com/MrEthical07/authflow/adapter/link"
	"github.com/MrEthical07/authflow/internal/flowtest"
	httptransport "github.com/MrEthical07/authflow/transport/http"
	"github.com/MrEthical07/authflow/ui"
)

type client struct {
	t       *testing.T
	server  *httptest.Server
	cookies map[string]*http.Cookie
}

func (c *client) do(method, path string, form url.Values) (*http.Response, map[string]any) {
	c.t.Helper()

	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequest(method, c.server.URL+path, body)
	require.NoError(c.t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func newServer(t *testing.T, mail *flowtest.Outbox, configure ...func(*authflow.Builder)) *client {
	t.Helper()

	a, err := code.New(code.Config{SendCode: mail.Send})
	require.NoError(t, err)

	opts := append([]func(*authflow.Builder){func(b *authflow.Builder) {
		b.WithCopy("code", ui.DefaultCodeCopy())
	}}, configure...)
	h := flowtest.New(t, "code", a, opts...)

	srv := httptest.NewServer(httptransport.New(h.Auth, nil).Router())
	t.Cleanup(srv.Close)
	return &client{t: t, server: srv, cookies: map[string]*http.Cookie{}}
}

func TestCodeFlowOverHTTP(t *testing.T) {
	mail := flowtest.NewOutbox()
	c := newServer(t, mail)

	resp, body := c.do(http.MethodGet, "/code/authorize", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "start", body["state"])
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, body = c.do(http.MethodPost, "/code/authorize", url.Values{"email": {"a@x.com"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "code", body["state"])
	assert.Equal(t, "verify", body["action"])
	assert.Contains(t, body["info"], "a@x.com")

	resp, body = c.do(http.MethodPost, "/code/authorize", url.Values{"action": {"verify"}, "code": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_code", body["error"])
	assert.Equal(t, "The code is incorrect.", body["alert"])

	resp, body = c.do(http.MethodPost, "/code/authorize", url.Values{"action": {"verify"}, "code": {mail.Last("a@x.com")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	subject, ok := body["subject"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", subject["id"])

	resp, body = c.do(http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@x.com", body["id"])

	resp, _ = c.do(http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestCallbackNeverStartsAFlow(t *testing.T) {
	mail := flowtest.NewOutbox()
	c := newServer(t, mail)

	resp, body := c.do(http.MethodGet, "/code/authorize/callback?email=a%40x.com", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_callback", body["error"])

	// Extra parameters are dropped and the step is forced to a verify.
	resp, body = c.do(http.MethodGet, "/code/authorize/callback?flow=f&code=123456&email=a%40x.com&action=request", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "start", body["state"])

	assert.Zero(t, mail.Count("a@x.com"), "a GET callback must not send a code")
}

func TestLinkCallbackOverHTTP(t *testing.T) {
	var sent []string
	a, err := link.New(link.Config{
		CallbackURL: "https://app.example/link/authorize/callback",
		OnLink: func(_ context.Context, l string, _ authflow.Claims) error {
			sent = append(sent, l)
			return nil
		},
	})
	require.NoError(t, err)
	h := flowtest.New(t, "link", a, func(b *authflow.Builder) { b.WithCopy("link", ui.DefaultLinkCopy()) })
	srv := httptest.NewServer(httptransport.New(h.Auth, nil).Router())
	t.Cleanup(srv.Close)

	requester := &client{t: t, server: srv, cookies: map[string]*http.Cookie{}}
	resp, _ := requester.do(http.MethodGet, "/link/authorize/callback?email=a%40x.com", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, sent)

	resp, body := requester.do(http.MethodPost, "/link/authorize", url.Values{"email": {"a@x.com"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "verify", body["state"])
	require.Len(t, sent, 1)

	u, err := url.Parse(sent[0])
	require.NoError(t, err)

	// Opened in another browser: no cookies carried over.
	opener := &client{t: t, server: srv, cookies: map[string]*http.Cookie{}}
	resp, body = opener.do(http.MethodGet, "/link/authorize/callback?"+u.RawQuery, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])

	resp, body = opener.do(http.MethodGet, "/link/authorize/callback?"+u.RawQuery, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_link", body["error"])
}

func TestUnknownAdapterIs404(t *testing.T) {
	c := newServer(t, flowtest.NewOutbox())

	resp, body := c.do(http.MethodGet, "/nope/authorize", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])

	resp, _ = c.do(http.MethodPost, "/code/nope", url.Values{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeliveryFailureIs502(t *testing.T) {
	mail := flowtest.NewOutbox()
	mail.Fail = errors.New("smtp down")
	c := newServer(t, mail)

	resp, body := c.do(http.MethodPost, "/code/authorize", url.Values{"email": {"a@x.com"}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "delivery_failed", body["error"])
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) error { return authflow.ErrRateLimited }

func TestRateLimitedIs429(t *testing.T) {
	c := newServer(t, flowtest.NewOutbox(), func(b *authflow.Builder) { b.WithLimiter(denyAll{}) })

	resp, body := c.do(http.MethodPost, "/code/authorize", url.Values{"email": {"a@x.com"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])

	// Renders are not limited.
	resp, _ = c.do(http.MethodGet, "/code/authorize", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOversizedFormRejected(t *testing.T) {
	c := newServer(t, flowtest.NewOutbox())

	resp, body := c.do(http.MethodPost, "/code/authorize", url.Values{"email": {strings.Repeat("a", 70<<10)}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_form", body["error"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&authflow.AdapterError{Adapter: "x", Err: authflow.ErrAdapterUnknown}, http.StatusNotFound},
		{authflow.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: timeout", authflow.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{&authflow.AdapterError{Adapter: "x", Err: authflow.ErrConflict}, http.StatusConflict},
		{&authflow.AdapterError{Adapter: "x", Err: authflow.NewDeliveryError("code", errors.New("down"))}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, httptransport.StatusFor(tc.err), tc.err.Error())
	}
}
