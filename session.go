package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/storage"
)

// SessionIssuer signs subjects into session artifacts and verifies them.
//
// Revocation is generation based: every subject has a counter in storage and
// every artifact carries the counter value it was issued under. Invalidate
// bumps the counter, which makes all earlier artifacts fail verification.
type SessionIssuer struct {
	tokens    *jwt.Manager
	storage   storage.Storage
	schemas   SubjectSchemas
	key       string
	genPrefix string
	maxAge    time.Duration
	metrics   *Metrics
	audit     *auditor
	logger    *slog.Logger
}

func (s *SessionIssuer) generationKey(subjectID string) string {
	return storage.Key(s.genPrefix, subjectID, "generation")
}

func (s *SessionIssuer) generation(ctx context.Context, subjectID string) (uint64, error) {
	raw, ok, err := s.storage.Get(ctx, s.generationKey(subjectID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		// A corrupt counter must not silently re-validate revoked artifacts.
		return 0, fmt.Errorf("%w: corrupt generation for subject", storage.ErrUnavailable)
	}
	return gen, nil
}

// Issue validates subject, signs it and stores the artifact through ex.
// A non-positive maxAge uses the configured session lifetime.
func (s *SessionIssuer) Issue(ctx context.Context, ex Exchange, subject Subject, maxAge time.Duration) (string, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	if err := s.schemas.Validate(subject); err != nil {
		return "", err
	}

	gen, err := s.generation(ctx, subject.ID)
	if err != nil {
		return "", err
	}
	token, err := s.tokens.Sign(subject.Type, subject.ID, subject.Properties, gen, maxAge)
	if err != nil {
		return "", err
	}
	if err := ex.Set(ctx, s.key, maxAge, token); err != nil {
		return "", err
	}

	s.metrics.Inc(MetricSessionIssued)
	s.audit.emit(ctx, auditEventSessionIssued, true, "", "", subject.ID, nil, func() map[string]string {
		return map[string]string{"subject_type": subject.Type}
	})
	return token, nil
}

// Read returns the subject stored in ex. Absent, tampered, expired and
// revoked artifacts all report ok=false with a nil error.
func (s *SessionIssuer) Read(ctx context.Context, ex Exchange) (*Subject, bool, error) {
	var token string
	ok, err := ex.Get(ctx, s.key, &token)
	if err != nil || !ok {
		return nil, false, err
	}
	sub, err := s.Verify(ctx, token)
	switch {
	case err == nil:
		return sub, true, nil
	case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrSessionRevoked):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Verify checks signature, expiry, subject type and revocation generation.
func (s *SessionIssuer) Verify(ctx context.Context, token string) (*Subject, error) {
	subject, err := s.verify(ctx, token)
	if err != nil {
		s.audit.emit(ctx, auditEventSessionRejected, false, "", "", "", err, nil)
		return nil, err
	}
	return subject, nil
}

func (s *SessionIssuer) verify(ctx context.Context, token string) (*Subject, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		s.metrics.Inc(MetricSessionRejected)
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if _, ok := s.schemas[claims.Type]; !ok {
		s.metrics.Inc(MetricSessionRejected)
		return nil, fmt.Errorf("%w: unknown subject type", ErrSessionInvalid)
	}

	gen, err := s.generation(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.Generation < gen {
		s.metrics.Inc(MetricSessionRejected)
		return nil, ErrSessionRevoked
	}

	return &Subject{Type: claims.Type, ID: claims.Subject, Properties: claims.Properties}, nil
}

// Clear removes the artifact from ex.
func (s *SessionIssuer) Clear(ctx context.Context, ex Exchange) error {
	return ex.Unset(ctx, s.key)
}

// Invalidate revokes every artifact issued to subjectID so far.
func (s *SessionIssuer) Invalidate(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return errors.New("subject id required")
	}
	gen, err := s.generation(ctx, subjectID)
	if err != nil {
		return err
	}
	next := strconv.FormatUint(gen+1, 10)
	if err := s.storage.Set(ctx, s.generationKey(subjectID), []byte(next), 0); err != nil {
		s.logger.ErrorContext(ctx, "session invalidation failed", "subject_id", subjectID, "error", err)
		return err
	}

	s.metrics.Inc(MetricSessionInvalidated)
	s.audit.emit(ctx, auditEventSessionInvalidated, true, "", "", subjectID, nil, nil)
	s.logger.InfoContext(ctx, "sessions invalidated", "subject_id", subjectID, "generation", gen+1)
	return nil
}
