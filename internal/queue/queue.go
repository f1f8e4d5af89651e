// Package queue is an at-least-once task queue with delayed retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Job kinds consumed by the worker.
const (
	KindNotifyAgents     = "notify.agents"
	KindMailTicketOpened = "mail.ticket_opened"
	KindMailReply        = "mail.reply"
	KindMailBlocked      = "mail.blocked"
	KindMailRejected     = "mail.rejected"
	KindMailTicketClosed = "mail.ticket_closed"
)

// Job is the unit of work stored in the broker.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Delivery is a job handed to a consumer. It must be acked or deferred.
type Delivery struct {
	Job Job
	raw string
}

// Broker stores jobs. Pop returns (nil, nil) when no job arrived within timeout.
type Broker interface {
	Push(ctx context.Context, job Job) error
	Pop(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Defer(ctx context.Context, d *Delivery, due time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Recover(ctx context.Context) (int, error)
}

// Enqueuer is what producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// Queue serializes payloads into jobs on a Broker.
type Queue struct {
	broker Broker
	now    func() time.Time
}

// New wraps broker.
func New(broker Broker) *Queue {
	return &Queue{broker: broker, now: time.Now}
}

// Enqueue schedules a job for immediate execution.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return q.broker.Push(ctx, Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    body,
		EnqueuedAt: q.now().UTC(),
	})
}

// Backoff computes retry delays: min(Base * 2^attempt, Max) plus up to 10%
// jitter, never exceeding Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Max
	if attempt < 62 {
		if exp := b.Base << uint(attempt); exp > 0 && exp < b.Max {
			d = exp
		}
	}
	spread := int64(d / 10)
	if spread > 0 {
		jitter := b.Jitter
		if jitter == nil {
			jitter = rand.Int63n
		}
		d += time.Duration(jitter(spread))
	}
	return min(d, b.Max)
}
