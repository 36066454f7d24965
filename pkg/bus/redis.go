package bus

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/masworks/chorus/pkg/protocol"
)

// Redis is the multi-process bus. Events are LPUSHed and trimmed to the
// capacity, so the oldest entries fall off the tail; RPOP dequeues from the
// tail, preserving FIFO order for the survivors.
type Redis struct {
	opts   *options
	client *goredis.Client
	prefix string

	mu   sync.Mutex
	seqs map[string]int64
}

// NewRedis builds a Redis-backed bus. The prefix namespaces queue keys so
// several applications can share one server.
func NewRedis(client *goredis.Client, prefix string, opts ...Option) *Redis {
	if prefix == "" {
		prefix = "chorus"
	}
	return &Redis{
		opts:   newOptions(opts),
		client: client,
		prefix: prefix,
		seqs:   map[string]int64{},
	}
}

func (b *Redis) key(traceID string) string {
	return b.prefix + ":msg:" + traceID
}

func (b *Redis) Publish(ctx context.Context, traceID string, event protocol.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.LPush(ctx, b.key(traceID), data)
	pipe.LTrim(ctx, b.key(traceID), 0, int64(b.opts.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.seqs[traceID]++
	seq := b.seqs[traceID]
	b.mu.Unlock()
	b.opts.persist(ctx, traceID, seq, event)
	return nil
}

func (b *Redis) Pop(ctx context.Context, traceID string) (protocol.Event, bool, error) {
	data, err := b.client.RPop(ctx, b.key(traceID)).Bytes()
	if err == goredis.Nil {
		return protocol.Event{}, false, nil
	}
	if err != nil {
		return protocol.Event{}, false, err
	}
	event, err := Decode(data)
	if err != nil {
		return protocol.Event{}, false, err
	}
	return event, true, nil
}

func (b *Redis) Remove(ctx context.Context, traceID string) error {
	b.mu.Lock()
	delete(b.seqs, traceID)
	b.mu.Unlock()
	return b.client.Del(ctx, b.key(traceID)).Err()
}
