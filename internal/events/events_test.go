package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherContinuesAfterHandlerError(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	var calls []string
	d.Subscribe(EventTicketOpened, func(context.Context, Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.Subscribe(EventTicketOpened, func(context.Context, Event) error {
		calls = append(calls, "second")
		return nil
	})
	d.Subscribe(EventTicketClosed, func(context.Context, Event) error {
		calls = append(calls, "closed")
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: EventTicketOpened}))
	assert.Equal(t, []string{"first", "second"}, calls)
}

type recordingWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	closed  bool
	release chan struct{}
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaPublisherWithWriter(w, nil)
	d := NewInMemoryDispatcher(nil)
	p.Register(d)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.Publish(context.Background(), Event{
		ID:        "e1",
		Type:      EventTicketClosed,
		TicketID:  "t1",
		TicketRef: "ABCD1234",
		Timestamp: ts,
	}))
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "t1", string(msg.Key))
	assert.Equal(t, "ticket_closed", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ABCD1234", decoded.TicketRef)
	assert.True(t, w.closed)

	assert.Error(t, p.Handle(context.Background(), Event{Type: EventTicketClosed}))
	assert.NoError(t, p.Close())
}

func TestKafkaPublisherDoesNotBlockDispatch(t *testing.T) {
	w := &recordingWriter{release: make(chan struct{})}
	p := NewKafkaPublisherWithWriter(w, nil)
	d := NewInMemoryDispatcher(nil)
	p.Register(d)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 3; i++ {
			_ = d.Publish(context.Background(), Event{Type: EventTicketOpened, TicketID: "t1"})
		}
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish waited on the kafka writer")
	}

	close(w.release)
	require.NoError(t, p.Close())
	assert.Len(t, w.msgs, 3)
}

func TestNewKafkaPublisherDisabled(t *testing.T) {
	assert.Nil(t, NewKafkaPublisher(nil, "tickets", nil))
	assert.Nil(t, NewKafkaPublisher([]string{"localhost:9092"}, "", nil))

	var p *KafkaPublisher
	p.Register(NewInMemoryDispatcher(nil))
	assert.NoError(t, p.Close())
}
