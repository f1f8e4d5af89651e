package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrKafkaBufferFull is returned when the publisher cannot keep up with the
// dispatcher and an event is dropped.
var ErrKafkaBufferFull = errors.New("kafka: publish buffer full")

const (
	kafkaBufferSize   = 1024
	kafkaWriteTimeout = 10 * time.Second
)

// KafkaPublisher mirrors dispatched events onto a Kafka topic as JSON,
// keyed by ticket id so one ticket's events stay ordered. Handle only
// queues the message; a single background goroutine writes to the broker.
type KafkaPublisher struct {
	writer  MessageWriter
	logger  *zap.Logger
	pending chan kafka.Message
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher returns nil when brokers or topic are unset.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}, logger)
}

// NewKafkaPublisherWithWriter wraps an existing writer and starts the
// delivery goroutine. Close stops it.
func NewKafkaPublisherWithWriter(w MessageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		writer:  w,
		logger:  logger,
		pending: make(chan kafka.Message, kafkaBufferSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Handle is an EventHandler. It never waits on the broker.
func (p *KafkaPublisher) Handle(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.TicketID),
		Value: body,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("kafka: publisher closed")
	}
	select {
	case p.pending <- msg:
		return nil
	default:
		return ErrKafkaBufferFull
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for msg := range p.pending {
		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.logger.Error("kafka write failed",
				zap.String("ticket_id", string(msg.Key)),
				zap.Error(err))
		}
	}
}

// Register subscribes the publisher to every event type.
func (p *KafkaPublisher) Register(d Dispatcher) {
	if p == nil {
		return
	}
	SubscribeAll(d, p.Handle)
}

// Close drains queued events, then closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pending)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
