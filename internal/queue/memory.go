package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-process runs.
type MemoryBroker struct {
	mu         sync.Mutex
	ready      []Job
	processing map[string]Job
	delayed    []delayedJob
	signal     chan struct{}
}

type delayedJob struct {
	job Job
	due time.Time
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		processing: make(map[string]Job),
		signal:     make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) Push(_ context.Context, job Job) error {
	b.mu.Lock()
	b.ready = append(b.ready, job)
	b.mu.Unlock()
	b.notify()
	return nil
}

func (b *MemoryBroker) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			job := b.ready[0]
			b.ready = b.ready[1:]
			b.processing[job.ID] = job
			b.mu.Unlock()
			return &Delivery{Job: job, raw: job.ID}, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-b.signal:
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.processing, d.raw)
	return nil
}

func (b *MemoryBroker) Defer(_ context.Context, d *Delivery, due time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.processing, d.raw)
	next := d.Job
	next.Attempt++
	b.delayed = append(b.delayed, delayedJob{job: next, due: due})
	return nil
}

func (b *MemoryBroker) PromoteDue(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	var (
		keep     []delayedJob
		promoted int
	)
	for _, d := range b.delayed {
		if d.due.After(now) {
			keep = append(keep, d)
			continue
		}
		b.ready = append(b.ready, d.job)
		promoted++
	}
	b.delayed = keep
	b.mu.Unlock()
	if promoted > 0 {
		b.notify()
	}
	return promoted, nil
}

func (b *MemoryBroker) Recover(_ context.Context) (int, error) {
	b.mu.Lock()
	n := len(b.processing)
	for id, job := range b.processing {
		b.ready = append(b.ready, job)
		delete(b.processing, id)
	}
	b.mu.Unlock()
	if n > 0 {
		b.notify()
	}
	return n, nil
}

// Jobs returns a copy of the ready jobs.
func (b *MemoryBroker) Jobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.ready...)
}

// JobsOfKind returns the ready jobs of one kind.
func (b *MemoryBroker) JobsOfKind(kind string) []Job {
	var out []Job
	for _, j := range b.Jobs() {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// Delayed returns the number of jobs waiting for a retry.
func (b *MemoryBroker) Delayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delayed)
}
