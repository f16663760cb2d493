// Package httptransport mounts an authflow.Authorizer on a chi router.
//
// Routes:
//
//	GET  /{adapter}/{flow}           current step as JSON
//	POST /{adapter}/{flow}           submit the step form
//	GET  /{adapter}/{flow}/callback  verify a link (flow and code query parameters only)
//	GET  /session                    current subject or 401
//	POST /logout                     clear the session, 204
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/ui"
)

const maxFormBytes = 64 << 10

// Handler serves flow steps and the session endpoints.
type Handler struct {
	authorizer *authflow.Authorizer
	logger     *slog.Logger
}

// New creates a Handler. A nil logger uses slog.Default.
func New(a *authflow.Authorizer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{authorizer: a, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(chimw.RequestID)
		r.Use(chimw.RealIP)
		r.Use(h.requestContext)

		r.Get("/session", h.handleSession)
		r.Post("/logout", h.handleLogout)
		r.Get("/{adapter}/{flow}", h.handleStep(false))
		r.Post("/{adapter}/{flow}", h.handleStep(true))
		r.Get("/{adapter}/{flow}/callback", h.handleCallback)
	})
}

// Router returns a chi router with only the authflow routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx = authflow.WithClientIP(ctx, ip)
		ctx = authflow.WithRequestID(ctx, chimw.GetReqID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type successResponse struct {
	Subject *authflow.Subject `json:"subject"`
	Token   string            `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleStep(submit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := authflow.Request{
			Adapter: chi.URLParam(r, "adapter"),
			Flow:    chi.URLParam(r, "flow"),
			Submit:  submit,
			Form:    url.Values{},
		}

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
			if err := r.ParseForm(); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_form"})
				return
			}
			req.Form = r.PostForm
		}
		h.serveStep(w, r, req)
	}
}

// handleCallback is the target of emailed links. A GET must never start a
// flow or carry credentials, so only the flow token and the link secret are
// taken from the query and the step is always a verify.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flow, code := q.Get("flow"), q.Get("code")
	if flow == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_callback"})
		return
	}
	h.serveStep(w, r, authflow.Request{
		Adapter: chi.URLParam(r, "adapter"),
		Flow:    chi.URLParam(r, "flow"),
		Submit:  true,
		Form:    url.Values{"action": {"verify"}, "flow": {flow}, "code": {code}},
	})
}

func (h *Handler) serveStep(w http.ResponseWriter, r *http.Request, req authflow.Request) {
	ctx := r.Context()
	res, err := h.authorizer.Handle(ctx, h.authorizer.Exchange(w, r), req)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "flow request failed",
				"adapter", req.Adapter,
				"flow", req.Flow,
				"status", status,
				"error", err,
				"request_id", chimw.GetReqID(ctx),
			)
		}
		writeJSON(w, status, errorResponse{Error: errorCode(status)})
		return
	}

	if res.Prompt != nil {
		view := ui.Render(res.Prompt, h.authorizer.Copy(req.Adapter))
		writeJSON(w, view.Status, view)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Subject: res.Subject, Token: res.Token})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sub, ok, err := h.authorizer.Sessions().Read(r.Context(), h.authorizer.Exchange(w, r))
	if err != nil {
		status := StatusFor(err)
		writeJSON(w, status, errorResponse{Error: errorCode(status)})
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.authorizer.Sessions().Clear(r.Context(), h.authorizer.Exchange(w, r)); err != nil {
		status := StatusFor(err)
		writeJSON(w, status, errorResponse{Error: errorCode(status)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusFor maps request-level errors to HTTP status codes.
func StatusFor(err error) int {
	var de *authflow.DeliveryError
	switch {
	case errors.Is(err, authflow.ErrAdapterUnknown):
		return http.StatusNotFound
	case errors.Is(err, authflow.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, authflow.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, authflow.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &de):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadGateway:
		return "delivery_failed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
