package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/MrEthical07/authflow"
)

// deliveryMessage is what a mailer consuming the delivery topic receives.
type deliveryMessage struct {
	Channel string `json:"channel"`
	Email   string `json:"email"`
	Code    string `json:"code,omitempty"`
	Link    string `json:"link,omitempty"`
}

// delivery hands codes and links to a mailer through Redis Streams, or prints
// them to out in stdout mode.
type delivery struct {
	publisher message.Publisher
	out       io.Writer
	logger    *slog.Logger
}

func newDelivery(rt *runtime, s *settings, logger *slog.Logger) (*delivery, error) {
	d := &delivery{out: os.Stdout, logger: logger}
	if s.Delivery.Mode == "stream" {
		pub, err := rt.streamPublisher(s, logger)
		if err != nil {
			return nil, err
		}
		d.publisher = pub
	}
	return d, nil
}

func (d *delivery) send(ctx context.Context, m deliveryMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if d.publisher == nil {
		_, err := fmt.Fprintf(d.out, "delivery %s\n", payload)
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("channel", m.Channel)
	msg.SetContext(ctx)
	if err := d.publisher.Publish(deliveryTopic, msg); err != nil {
		d.logger.ErrorContext(ctx, "publish delivery", "channel", m.Channel, "error", err)
		return err
	}
	return nil
}

func (d *delivery) code(ctx context.Context, email, code string) error {
	return d.send(ctx, deliveryMessage{Channel: "code", Email: email, Code: code})
}

func (d *delivery) link(ctx context.Context, link string, claims authflow.Claims) error {
	return d.send(ctx, deliveryMessage{Channel: "link", Email: claims.Email, Link: link})
}
