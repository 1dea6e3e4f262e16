package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil once the message is fully processed and may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to a fixed worker pool. Messages with the same
// key always land on the same worker, so one order's events stay in order.
// Offsets are committed per partition only up to the oldest message still
// being handled.
type Consumer struct {
	r        messageReader
	workers  int
	attempts uint64
	delay    time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	offsets map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // fetch order
	done     map[int64]kafka.Message
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:        r,
		workers:  workers,
		attempts: 3,
		delay:    200 * time.Millisecond,
		log:      log,
		offsets:  map[int]*partitionOffsets{},
	}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.track(m)
		select {
		case jobs[c.slot(m.Key)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) slot(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.workers))
}

// handle retries a failing handler a few times, then gives up on the message
// and commits it so the partition is not stuck behind it.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	ctx = ExtractTrace(ctx, m)
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), c.attempts-1), ctx)
	err := backoff.Retry(func() error { return h(ctx, m) }, policy)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error("message dropped after retries",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.ByteString("key", m.Key),
			zap.Error(err))
	}
	c.complete(ctx, m)
}

func (c *Consumer) track(m kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.offsets[m.Partition]
	if !ok {
		p = &partitionOffsets{done: map[int64]kafka.Message{}}
		c.offsets[m.Partition] = p
	}
	p.inflight = append(p.inflight, m.Offset)
}

// complete marks m handled and commits the newest offset of its partition
// below which every fetched message is handled. The commit runs under the
// lock so commits of one partition never go backwards.
func (c *Consumer) complete(ctx context.Context, m kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.offsets[m.Partition]
	if !ok {
		return
	}
	p.done[m.Offset] = m

	var (
		last  kafka.Message
		ready bool
	)
	for len(p.inflight) > 0 {
		dm, fin := p.done[p.inflight[0]]
		if !fin {
			break
		}
		delete(p.done, p.inflight[0])
		p.inflight = p.inflight[1:]
		last, ready = dm, true
	}
	if !ready {
		return
	}
	if err := c.r.CommitMessages(ctx, last); err != nil && ctx.Err() == nil {
		c.log.Error("kafka commit failed",
			zap.Int("partition", last.Partition),
			zap.Int64("offset", last.Offset),
			zap.Error(err))
	}
}
