package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves up to ARGV[2] due members from the delayed set onto the
// ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// recoverScript requeues everything left in the processing list by a
// previous worker that died mid-job.
var recoverScript = redis.NewScript(`
local n = 0
while redis.call('RPOPLPUSH', KEYS[1], KEYS[2]) do
  n = n + 1
end
return n
`)

const promoteBatch = 100

// RedisBroker keeps jobs in a ready list, a processing list and a delayed
// sorted set scored by due time in unix milliseconds.
type RedisBroker struct {
	client     redis.UniversalClient
	ready      string
	processing string
	delayed    string
}

// NewRedisBroker namespaces its keys under prefix.
func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	return &RedisBroker{
		client:     client,
		ready:      prefix + ":queue:ready",
		processing: prefix + ":queue:processing",
		delayed:    prefix + ":queue:delayed",
	}
}

func (b *RedisBroker) Push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.ready, raw).Err()
}

func (b *RedisBroker) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := b.client.BLMove(ctx, b.ready, b.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable entries would otherwise be recovered forever.
		_ = b.client.LRem(ctx, b.processing, 1, raw).Err()
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &Delivery{Job: job, raw: raw}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.client.LRem(ctx, b.processing, 1, d.raw).Err()
}

func (b *RedisBroker) Defer(ctx context.Context, d *Delivery, due time.Time) error {
	next := d.Job
	next.Attempt++
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processing, 1, d.raw)
		pipe.ZAdd(ctx, b.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: raw})
		return nil
	})
	return err
}

func (b *RedisBroker) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return promoteScript.Run(ctx, b.client,
		[]string{b.delayed, b.ready},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch,
	).Int()
}

func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	return recoverScript.Run(ctx, b.client, []string{b.processing, b.ready}).Int()
}

// Stats reports list and set sizes.
func (b *RedisBroker) Stats(ctx context.Context) (ready, processing, delayed int64, err error) {
	pipe := b.client.Pipeline()
	r := pipe.LLen(ctx, b.ready)
	p := pipe.LLen(ctx, b.processing)
	d := pipe.ZCard(ctx, b.delayed)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), p.Val(), d.Val(), nil
}
