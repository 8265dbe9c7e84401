package progress_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-martinez/occams/internal/progress"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func waitSubscribers(t *testing.T, b *progress.MemoryBroker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Subscribers(progress.Topic) == n },
		time.Second, 5*time.Millisecond)
}

func TestMemoryBroker(t *testing.T) {
	b := progress.NewMemoryBroker(1)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, progress.Topic, []byte("nobody listening")))

	first, err := b.Subscribe(ctx, progress.Topic)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, progress.Topic)
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers(progress.Topic))

	require.NoError(t, b.Publish(ctx, progress.Topic, []byte("a")))
	// buffer of one: the second payload is dropped, not blocked on
	require.NoError(t, b.Publish(ctx, progress.Topic, []byte("b")))

	assert.Equal(t, []byte("a"), <-first.Messages())
	assert.Equal(t, []byte("a"), <-second.Messages())
	assert.Empty(t, other.Messages())

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	_, open := <-first.Messages()
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers(progress.Topic))
}

func TestPublisher(t *testing.T) {
	b := progress.NewMemoryBroker(0)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, progress.Topic)
	require.NoError(t, err)
	defer sub.Close()

	rec := progress.Record{ExportID: "exp-1", OwnerUser: "jane", Count: 1, Total: 2, Status: progress.StatusRunning}
	require.NoError(t, progress.NewPublisher(b, "").Publish(ctx, rec))

	payload := <-sub.Messages()
	assert.JSONEq(t, `{"export_id":"exp-1","owner_user":"jane","count":1,"total":2,"status":"running"}`, string(payload))

	got, err := progress.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := progress.Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = progress.Decode([]byte(`{"count":1}`))
	assert.Error(t, err)
}

func TestListener_FiltersByOwner(t *testing.T) {
	b := progress.NewMemoryBroker(0)
	pub := progress.NewPublisher(b, "")

	got := make(chan progress.Record, 4)
	l := &progress.Listener{
		Predicate: progress.OwnedBy("jane"),
		Logger:    quiet,
		Sink: func(_ context.Context, rec progress.Record) error {
			got <- rec
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, b) }()
	waitSubscribers(t, b, 1)

	require.NoError(t, pub.Publish(ctx, progress.Record{ExportID: "a", OwnerUser: "john"}))
	require.NoError(t, b.Publish(ctx, progress.Topic, []byte("garbage")))
	require.NoError(t, pub.Publish(ctx, progress.Record{ExportID: "b", OwnerUser: "jane", Status: progress.StatusRunning}))

	select {
	case rec := <-got:
		assert.Equal(t, "b", rec.ExportID)
	case <-time.After(time.Second):
		t.Fatal("event for jane was not forwarded")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, got)
	waitSubscribers(t, b, 0)
}

func TestListener_SinkErrorStops(t *testing.T) {
	b := progress.NewMemoryBroker(0)
	sinkErr := errors.New("peer gone")

	l := &progress.Listener{
		Logger: quiet,
		Sink:   func(context.Context, progress.Record) error { return sinkErr },
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), b) }()
	waitSubscribers(t, b, 1)

	require.NoError(t, progress.NewPublisher(b, "").Publish(context.Background(), progress.Record{ExportID: "x"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, sinkErr)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, 0, b.Subscribers(progress.Topic))
}

type failingBroker struct{ progress.Broker }

func (failingBroker) Subscribe(context.Context, string) (progress.Subscription, error) {
	return nil, errors.New("broker down")
}

func TestListener_SubscribeError(t *testing.T) {
	l := &progress.Listener{Sink: func(context.Context, progress.Record) error { return nil }}
	assert.EqualError(t, l.Run(context.Background(), failingBroker{}), "broker down")
}
