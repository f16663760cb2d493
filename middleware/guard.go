package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authflow"
)

type subjectContextKey struct{}

// SubjectFromContext returns the subject Guard stored for the request.
func SubjectFromContext(ctx context.Context) (*authflow.Subject, bool) {
	sub, ok := ctx.Value(subjectContextKey{}).(*authflow.Subject)
	return sub, ok
}

// Guard verifies the session artifact from a bearer header, falling back to
// the session cookie, and stores the subject in the request context.
// Missing, invalid and revoked artifacts get 401; a storage outage gets 503.
func Guard(a *authflow.Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var (
				sub *authflow.Subject
				err error
			)
			if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
				sub, err = a.Sessions().Verify(r.Context(), token)
			} else {
				sub, _, err = a.Sessions().Read(r.Context(), a.Exchange(w, r))
			}

			switch {
			case errors.Is(err, authflow.ErrStorageUnavailable):
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			case err != nil, sub == nil:
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey{}, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireType rejects subjects whose type is not listed with 403. It must run
// after Guard.
func RequireType(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, ok := SubjectFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[sub.Type]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
