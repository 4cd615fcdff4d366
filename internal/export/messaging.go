package export

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher sends a payload to a broker topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// MessagingSink publishes crops to crop/<device>
type MessagingSink struct {
	publisher Publisher
	device    string
}

// NewMessagingSink creates a sink on top of publisher
func NewMessagingSink(publisher Publisher, device string) *MessagingSink {
	return &MessagingSink{publisher: publisher, device: device}
}

// Topic returns the crop topic
func (s *MessagingSink) Topic() string {
	return "crop/" + s.device
}

// Send publishes one crop. Brokers often cap message size, so failures report it.
func (s *MessagingSink) Send(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job.payload(""))
	if err != nil {
		return fmt.Errorf("failed to marshal crop: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.Topic(), data, false); err != nil {
		return fmt.Errorf("crop publish failed, message may be too large (JPEG %d bytes, payload %d bytes): %w",
			len(job.JPEG), len(data), err)
	}
	return nil
}

// PublishJSON marshals v and publishes it on topic
func (s *MessagingSink) PublishJSON(ctx context.Context, topic string, v any, retained bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return s.publisher.Publish(ctx, topic, data, retained)
}
