package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrQueueFull is returned when the sink's buffer cannot take another event.
var ErrQueueFull = errors.New("events: kafka queue full")

// ErrSinkClosed is returned by Publish after Close.
var ErrSinkClosed = errors.New("events: kafka sink closed")

// KafkaQueueSize is the number of events buffered ahead of the writer.
const KafkaQueueSize = 1024

// KafkaSink writes events as JSON to one topic, keyed by Event.Key so that
// the events of a portfolio stay ordered within a partition. Publish only
// enqueues; a single goroutine writes to the broker.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewKafkaWriter constructs a kafka.Writer for the events topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
}

// NewKafkaSink publishes through w. Each write is bounded by timeout. A nil
// logger uses slog.Default().
func NewKafkaSink(w messageWriter, timeout time.Duration, logger *slog.Logger) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaSink{
		w:       w,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan kafka.Message, KafkaQueueSize),
		done:    make(chan struct{}),
	}
	go k.drain()
	return k
}

// Publish encodes e and queues it without waiting for the broker.
func (k *KafkaSink) Publish(_ context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrSinkClosed
	}
	select {
	case k.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%s event: %w", e.Type, ErrQueueFull)
	}
}

func (k *KafkaSink) drain() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		err := k.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			metrics.EventsPublished.WithLabelValues("kafka_write", "error").Inc()
			k.logger.Warn("kafka write failed", "key", string(msg.Key), "err", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues("kafka_write", "ok").Inc()
	}
}

// Close writes out queued events, then closes the writer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.queue)
	}
	k.mu.Unlock()
	<-k.done
	return k.w.Close()
}
