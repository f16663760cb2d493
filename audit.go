package authflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
)

// AuditEvent is one structured record of flow or session activity.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel and drops when the reader lags.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes newline-delimited JSON.
type JSONWriterSink = internalaudit.JSONWriterSink

// WatermillSink publishes events to a watermill topic.
type WatermillSink = internalaudit.WatermillSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewWatermillSink publishes to topic, or "authflow.audit" when topic is empty.
func NewWatermillSink(publisher message.Publisher, topic string, logger *slog.Logger) *WatermillSink {
	return internalaudit.NewWatermillSink(publisher, topic, logger)
}

const (
	auditEventChallengeStarted   = "challenge_started"
	auditEventChallengeAdvanced  = "challenge_advanced"
	auditEventChallengeReset     = "challenge_reset"
	auditEventStepRejected       = "step_rejected"
	auditEventFlowSucceeded      = "flow_succeeded"
	auditEventDeliveryFailed     = "delivery_failed"
	auditEventFlowFailed         = "flow_failed"
	auditEventRateLimited        = "rate_limited"
	auditEventSessionIssued      = "session_issued"
	auditEventSessionInvalidated = "session_invalidated"
	auditEventSessionRejected    = "session_rejected"
)

// AuditErrorCode is the coarse error class recorded on failed events.
type AuditErrorCode string

const (
	auditErrRateLimited    AuditErrorCode = "rate_limited"
	auditErrDelivery       AuditErrorCode = "delivery_failed"
	auditErrUnavailable    AuditErrorCode = "backend_unavailable"
	auditErrAdapterUnknown AuditErrorCode = "adapter_unknown"
	auditErrUndeclaredTag  AuditErrorCode = "undeclared_tag"
	auditErrSubjectInvalid AuditErrorCode = "subject_invalid"
	auditErrSessionInvalid AuditErrorCode = "session_invalid"
	auditErrConflict       AuditErrorCode = "conflict"
	auditErrInternal       AuditErrorCode = "internal_error"
)

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrDeliveryFailed):
		return auditErrDelivery
	case errors.Is(err, ErrStorageUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrAdapterUnknown):
		return auditErrAdapterUnknown
	case errors.Is(err, ErrUndeclaredTag):
		return auditErrUndeclaredTag
	case errors.Is(err, ErrSubjectType), errors.Is(err, ErrSubjectInvalid):
		return auditErrSubjectInvalid
	case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrSessionRevoked):
		return auditErrSessionInvalid
	case errors.Is(err, ErrConflict):
		return auditErrConflict
	default:
		return auditErrInternal
	}
}

type auditor struct {
	dispatcher *internalaudit.Dispatcher
	now        func() time.Time
}

func (a *auditor) emit(
	ctx context.Context,
	eventType string,
	success bool,
	adapter, flow, subjectID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if a == nil || a.dispatcher == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: a.now().UTC(),
		EventType: eventType,
		Adapter:   adapter,
		Flow:      flow,
		SubjectID: subjectID,
		IP:        clientIPFromContext(ctx),
		RequestID: requestIDFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	a.dispatcher.Emit(ctx, event)
}

func (a *auditor) close() {
	if a != nil {
		a.dispatcher.Close()
	}
}

func (a *auditor) dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dispatcher.Dropped()
}
