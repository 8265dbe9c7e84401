package progress

import (
	"context"
	"log/slog"
)

// Predicate selects the events a Listener forwards.
type Predicate func(Record) bool

// Sink receives forwarded events. Returning an error stops the Listener.
type Sink func(ctx context.Context, rec Record) error

// OwnedBy selects events of exports requested by user.
func OwnedBy(user string) Predicate {
	return func(rec Record) bool { return rec.OwnerUser == user }
}

// Listener forwards the events of one topic that satisfy Predicate to Sink.
type Listener struct {
	Topic     string
	Predicate Predicate
	Sink      Sink
	Logger    *slog.Logger
}

// Run subscribes to the topic and forwards events until ctx is done, the
// subscription ends, or the sink fails. The subscription is always closed
// before Run returns. Undecodable payloads are skipped.
func (l *Listener) Run(ctx context.Context, broker Broker) error {
	topic := l.Topic
	if topic == "" {
		topic = Topic
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			rec, err := Decode(payload)
			if err != nil {
				logger.Warn("Skipping malformed progress event",
					slog.String("topic", topic),
					slog.Any("error", err),
				)
				continue
			}
			if l.Predicate != nil && !l.Predicate(rec) {
				continue
			}
			if err := l.Sink(ctx, rec); err != nil {
				return err
			}
		}
	}
}
