// Package publish emits confirmed optimizations to downstream consumers and
// posts cycle notifications.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/slack-go/slack"

	"github.com/KafClaw/autotune/internal/store"
)

// SchemaVersion is the version of the ConfirmedRecord envelope.
const SchemaVersion = 1

// ConfirmedRecord is the stable external form of a confirmed optimization.
type ConfirmedRecord struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	Subtype             string    `json:"subtype"`
	Target              string    `json:"target"`
	SourcePath          string    `json:"source_path"`
	DiffRef             string    `json:"diff_ref"`
	Baseline            float64   `json:"baseline"`
	ExpectedImprovement float64   `json:"expected_improvement"`
	ActualImprovement   float64   `json:"actual_improvement"`
	SuccessScore        float64   `json:"success_score"`
	ConfirmedAt         time.Time `json:"confirmed_at"`
}

// FromRecord converts a confirmed ledger record.
func FromRecord(rec *store.OptimizationRecord) (ConfirmedRecord, error) {
	if rec.State != store.StateConfirmed || rec.ActualImprovement == nil || rec.SuccessScore == nil {
		return ConfirmedRecord{}, fmt.Errorf("record %s is not confirmed", rec.ID)
	}
	cr := ConfirmedRecord{
		ID:                  rec.ID,
		Type:                rec.Type,
		Subtype:             rec.Subtype,
		Target:              rec.Target,
		SourcePath:          rec.SourcePath,
		DiffRef:             rec.DiffRef,
		Baseline:            rec.Baseline,
		ExpectedImprovement: rec.ExpectedImprovement,
		ActualImprovement:   *rec.ActualImprovement,
		SuccessScore:        *rec.SuccessScore,
		ConfirmedAt:         rec.UpdatedAt,
	}
	if rec.CompletedAt != nil {
		cr.ConfirmedAt = *rec.CompletedAt
	}
	return cr, nil
}

type envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Record  ConfirmedRecord `json:"record"`
}

// Encode renders the versioned JSON envelope for cr.
func Encode(cr ConfirmedRecord) ([]byte, error) {
	return json.Marshal(envelope{Kind: "autotune.confirmed", Version: SchemaVersion, Record: cr})
}

// Publisher delivers confirmed records.
type Publisher interface {
	Publish(ctx context.Context, cr ConfirmedRecord) error
	Close() error
}

// LogPublisher writes confirmed records to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, cr ConfirmedRecord) error {
	slog.Info("Publish: optimization confirmed", "id", cr.ID, "type", cr.Type, "target", cr.Target,
		"actual", cr.ActualImprovement, "score", cr.SuccessScore, "diff", cr.DiffRef)
	return nil
}

func (LogPublisher) Close() error { return nil }

// KafkaPublisher produces confirmed records to a Kafka topic, keyed by
// target so records for one target stay ordered.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

// Publish writes cr, retrying with a short backoff.
func (p *KafkaPublisher) Publish(ctx context.Context, cr ConfirmedRecord) error {
	value, err := Encode(cr)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(cr.Target),
		Value:   value,
		Headers: []kafka.Header{{Key: "schema-version", Value: []byte(fmt.Sprint(SchemaVersion))}},
		Time:    cr.ConfirmedAt,
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = p.w.WriteMessages(writeCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		slog.Warn("Publish: kafka write failed", "topic", p.w.Topic, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("publish %s: %w", cr.ID, lastErr)
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Notifier posts short human-readable notices.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	URL     string
	Channel string
}

func (n SlackNotifier) Notify(ctx context.Context, text string) error {
	return slack.PostWebhookContext(ctx, n.URL, &slack.WebhookMessage{Text: text, Channel: n.Channel})
}

// NopNotifier discards notices.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }
