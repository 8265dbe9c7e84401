package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelOpener hands out channels on a shared RabbitMQ connection.
type ChannelOpener interface {
	OpenChannel() (*amqp.Channel, error)
}

// AMQPBroker broadcasts over RabbitMQ: every topic is a fanout exchange and
// every subscription binds its own exclusive, auto-deleted queue to it.
type AMQPBroker struct {
	opener ChannelOpener
	logger *slog.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// NewAMQPBroker creates an AMQPBroker on top of opener.
func NewAMQPBroker(opener ChannelOpener, logger *slog.Logger) *AMQPBroker {
	return &AMQPBroker{
		opener:   opener,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func declareTopic(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(
		topic,    // name
		"fanout", // type
		false,    // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

// Publish sends payload to every queue bound to topic.
func (b *AMQPBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pub == nil || b.pub.IsClosed() {
		ch, err := b.opener.OpenChannel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		b.pub = ch
		b.declared = make(map[string]bool)
	}

	if !b.declared[topic] {
		if err := declareTopic(b.pub, topic); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
		b.declared[topic] = true
	}

	err := b.pub.PublishWithContext(ctx,
		topic, // exchange
		"",    // routing key, ignored by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the publish channel. Subscriptions are closed by their
// owners.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return nil
	}
	err := b.pub.Close()
	b.pub = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Subscribe binds a fresh server-named queue to topic on a dedicated channel.
// The subscription ends when ctx is done, Close is called, or the channel
// is closed by the server.
func (b *AMQPBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ch, err := b.opener.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("open subscribe channel: %w", err)
	}

	fail := func(step string, err error) (Subscription, error) {
		ch.Close()
		return nil, fmt.Errorf("%s for %s: %w", step, topic, err)
	}

	if err := declareTopic(ch, topic); err != nil {
		return fail("declare exchange", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}

	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		return fail("bind queue", err)
	}

	tag := "progress-" + uuid.NewString()
	deliveries, err := ch.Consume(
		q.Name, // queue
		tag,    // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fail("consume", err)
	}

	sub := &amqpSubscription{
		ch:   ch,
		tag:  tag,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.pump(ctx, deliveries)

	b.logger.Debug("Subscribed to progress topic",
		slog.String("topic", topic),
		slog.String("queue", q.Name),
	)
	return sub, nil
}

type amqpSubscription struct {
	ch   *amqp.Channel
	tag  string
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *amqpSubscription) pump(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case s.out <- d.Body:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *amqpSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil && !s.ch.IsClosed() {
			err = cerr
		}
		if cerr := s.ch.Close(); cerr != nil && err == nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
	})
	return err
}
