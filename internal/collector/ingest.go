package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/autotune/internal/store"
)

// Message is one raw telemetry payload: a JSON interaction record or a JSON
// array of them.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Source delivers telemetry messages.
type Source interface {
	Start(ctx context.Context) error
	Messages() <-chan Message
	Close() error
}

// KafkaSource consumes telemetry from a Kafka topic using segmentio/kafka-go.
type KafkaSource struct {
	brokers       string
	consumerGroup string
	topic         string
	reader        *kafka.Reader
	messages      chan Message
	closeOnce     sync.Once
}

// NewKafkaSource creates a consumer for topic.
func NewKafkaSource(brokers, consumerGroup, topic string) *KafkaSource {
	return &KafkaSource{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		messages:      make(chan Message, 100),
	}
}

// Start begins consuming in a background goroutine.
func (c *KafkaSource) Start(ctx context.Context) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		defer close(c.messages)
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("KafkaSource: read error", "topic", c.topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case c.messages <- Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Messages returns the channel of consumed messages.
func (c *KafkaSource) Messages() <-chan Message {
	return c.messages
}

// Close stops the reader. The message channel is closed once the consuming
// goroutine exits, which requires the Start context to be cancelled.
func (c *KafkaSource) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.reader != nil {
			err = c.reader.Close()
		}
	})
	return err
}

// ChannelSource is an in-process Source backed by a Go channel.
type ChannelSource struct {
	ch chan Message
}

// NewChannelSource creates an in-process source.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan Message, 100)}
}

// Start is a no-op for the channel source.
func (c *ChannelSource) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelSource) Messages() <-chan Message { return c.ch }

// Close closes the channel.
func (c *ChannelSource) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a message into the source.
func (c *ChannelSource) Send(msg Message) {
	c.ch <- msg
}

// DecodeInteractions parses a message value holding one record or an array.
func DecodeInteractions(data []byte) ([]store.InteractionRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var recs []store.InteractionRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	var rec store.InteractionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return []store.InteractionRecord{rec}, nil
}

// Ingestor drains a Source into the Collector in batches.
type Ingestor struct {
	src           Source
	collector     *Collector
	batchSize     int
	flushInterval time.Duration
}

// NewIngestor creates an Ingestor.
func NewIngestor(src Source, c *Collector, batchSize int, flushInterval time.Duration) *Ingestor {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Ingestor{src: src, collector: c, batchSize: batchSize, flushInterval: flushInterval}
}

// Run consumes until ctx is cancelled or the source closes, flushing
// buffered records on the way out.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := i.src.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(i.flushInterval)
	defer ticker.Stop()

	var buf []store.InteractionRecord
	flush := func(fctx context.Context) {
		if len(buf) == 0 {
			return
		}
		n, err := i.collector.RecordInteractions(fctx, buf)
		if err != nil {
			slog.Error("Ingestor: flush failed", "records", len(buf), "error", err)
		} else {
			slog.Debug("Ingestor: flushed", "records", n)
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			flush(ctx)
		case msg, ok := <-i.src.Messages():
			if !ok {
				flush(ctx)
				return nil
			}
			recs, err := DecodeInteractions(msg.Value)
			if err != nil {
				slog.Warn("Ingestor: undecodable message", "topic", msg.Topic, "error", err)
				continue
			}
			buf = append(buf, recs...)
			if len(buf) >= i.batchSize {
				flush(ctx)
			}
		}
	}
}
