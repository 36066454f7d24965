package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
)

// Bus is a per-trace bounded event stream. Publish never blocks on a full
// queue; Pop is non-blocking and reports whether an event was available.
type Bus interface {
	Publish(ctx context.Context, traceID string, event protocol.Event) error
	Pop(ctx context.Context, traceID string) (protocol.Event, bool, error)
	Remove(ctx context.Context, traceID string) error
}

// Option configures a bus variant.
type Option func(*options)

type options struct {
	capacity int
	store    store.MessageStore
	log      *slog.Logger
}

// WithCapacity overrides the per-trace queue bound.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithMessageStore persists every published event alongside the queue.
func WithMessageStore(ms store.MessageStore) Option {
	return func(o *options) {
		o.store = ms
	}
}

func newOptions(opts []Option) *options {
	o := &options{capacity: Capacity, log: logger.Get()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// persist writes the event into the message store when one is configured.
// Store failures never fail the publish.
func (o *options) persist(ctx context.Context, traceID string, seq int64, event protocol.Event) {
	if o.store == nil {
		return
	}
	rec := &store.MessageRecord{
		TraceID:    traceID,
		Seq:        seq,
		Type:       string(event.Type),
		Content:    event.Content,
		CreateTime: protocol.NowFormatted(),
	}
	if err := o.store.SaveMessage(ctx, rec); err != nil {
		o.log.Warn("persisting bus event failed", "trace_id", traceID, "error", err)
	}
}

// Memory is the in-process bus.
type Memory struct {
	opts   *options
	mu     sync.Mutex
	queues map[string][][]byte
	seqs   map[string]int64
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:   newOptions(opts),
		queues: map[string][][]byte{},
		seqs:   map[string]int64{},
	}
}

func (b *Memory) Publish(ctx context.Context, traceID string, event protocol.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	q := append(b.queues[traceID], data)
	if len(q) > b.opts.capacity {
		q = q[len(q)-b.opts.capacity:]
	}
	b.queues[traceID] = q
	b.seqs[traceID]++
	seq := b.seqs[traceID]
	b.mu.Unlock()

	b.opts.persist(ctx, traceID, seq, event)
	return nil
}

func (b *Memory) Pop(ctx context.Context, traceID string) (protocol.Event, bool, error) {
	b.mu.Lock()
	q := b.queues[traceID]
	if len(q) == 0 {
		b.mu.Unlock()
		return protocol.Event{}, false, nil
	}
	data := q[0]
	b.queues[traceID] = q[1:]
	b.mu.Unlock()

	event, err := Decode(data)
	if err != nil {
		return protocol.Event{}, false, err
	}
	return event, true, nil
}

func (b *Memory) Remove(ctx context.Context, traceID string) error {
	b.mu.Lock()
	delete(b.queues, traceID)
	delete(b.seqs, traceID)
	b.mu.Unlock()
	return nil
}
