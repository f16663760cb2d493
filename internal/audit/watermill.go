package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultTopic is the topic audit events are published to when none is given.
const DefaultTopic = "authflow.audit"

// WatermillSink publishes each event as a JSON message keyed by the event ID.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

func NewWatermillSink(publisher message.Publisher, topic string, logger *slog.Logger) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillSink{publisher: publisher, topic: topic, logger: logger}
}

func (s *WatermillSink) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal audit event", "event_type", event.EventType, "error", err)
		return
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", event.EventType)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		s.logger.Error("publish audit event", "event_type", event.EventType, "topic", s.topic, "error", err)
	}
}
