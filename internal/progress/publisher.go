package progress

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher broadcasts Record snapshots.
type Publisher struct {
	broker Broker
	topic  string
}

// NewPublisher creates a Publisher for topic. An empty topic uses Topic.
func NewPublisher(broker Broker, topic string) *Publisher {
	if topic == "" {
		topic = Topic
	}
	return &Publisher{broker: broker, topic: topic}
}

// Publish encodes rec as JSON and sends it to the topic.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", rec.ExportID, err)
	}
	return p.broker.Publish(ctx, p.topic, payload)
}
