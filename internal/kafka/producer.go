package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer hands messages to a background writer. Publish never blocks: when
// the buffer is full the message is dropped and logged.
type Producer struct {
	w     messageWriter
	inbox chan kafka.Message
	log   *zap.Logger
	done  chan struct{}
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducer(w, buf, log)
}

func newProducer(w messageWriter, buf int, log *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{w: w, inbox: make(chan kafka.Message, buf), log: log, done: make(chan struct{})}
}

// Run writes queued messages until ctx is done, then flushes what is still
// buffered and closes the writer.
func (p *Producer) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return p.w.Close()
		case m := <-p.inbox:
			p.write(ctx, m)
		}
	}
}

func (p *Producer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case m := <-p.inbox:
			p.write(ctx, m)
		default:
			return
		}
	}
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("kafka write failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// Publish queues one message. It reports false if the message was dropped.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) bool {
	m := kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}
	InjectTrace(ctx, &m)
	select {
	case p.inbox <- m:
		return true
	default:
		p.log.Warn("kafka producer buffer full, message dropped", zap.ByteString("key", key))
		return false
	}
}

// Done is closed once Run has returned.
func (p *Producer) Done() <-chan struct{} { return p.done }
