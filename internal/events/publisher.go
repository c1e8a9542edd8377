// Package events publishes committed reward-economy state changes to Kafka
// for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stridecards/rewards/pkg/rewards"
)

const (
	TopicActivitiesSynced = "rewards.activities.synced"
	TopicPackOpened       = "rewards.packs.opened"

	schemaVersion = "1"
)

// ActivitiesSyncedEvent is the payload emitted after an ingestion run credits
// new activities.
type ActivitiesSyncedEvent struct {
	UserID         string    `json:"user_id"`
	Processed      int       `json:"processed"`
	CurrencyEarned int64     `json:"currency_earned"`
	OccurredAt     time.Time `json:"occurred_at"`
	Version        string    `json:"version"`
}

// PackOpenedEvent is the payload emitted after a booster purchase settles.
type PackOpenedEvent struct {
	UserID     string    `json:"user_id"`
	PackID     string    `json:"pack_id"`
	Cost       int64     `json:"cost"`
	CardIDs    []string  `json:"card_ids"`
	Rarities   []string  `json:"rarities"`
	OccurredAt time.Time `json:"occurred_at"`
	Version    string    `json:"version"`
}

// Publisher lazily manages one Kafka writer per topic. It implements
// rewards.EventSink; publish failures are logged and never surface to the
// caller because the ledger write has already committed.
type Publisher struct {
	brokers []string
	logger  *zap.Logger
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewPublisher creates a Publisher for the given brokers.
func NewPublisher(brokers []string, logger *zap.Logger) *Publisher {
	return &Publisher{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}
}

func (publisher *Publisher) ActivitiesSynced(ctx context.Context, userID rewards.UserID, result rewards.SyncResult) {
	publisher.publish(ctx, TopicActivitiesSynced, userID.String(), ActivitiesSyncedEvent{
		UserID:         userID.String(),
		Processed:      result.Processed,
		CurrencyEarned: result.CurrencyEarned,
		OccurredAt:     time.Now().UTC(),
		Version:        schemaVersion,
	})
}

func (publisher *Publisher) PackOpened(ctx context.Context, userID rewards.UserID, result rewards.OpenResult) {
	cardIDs := make([]string, 0, len(result.Cards))
	rarities := make([]string, 0, len(result.Cards))
	for _, drawn := range result.Cards {
		cardIDs = append(cardIDs, drawn.Card.ID.String())
		rarities = append(rarities, drawn.Card.Rarity.String())
	}
	publisher.publish(ctx, TopicPackOpened, userID.String(), PackOpenedEvent{
		UserID:     userID.String(),
		PackID:     result.PackID.String(),
		Cost:       result.Cost,
		CardIDs:    cardIDs,
		Rarities:   rarities,
		OccurredAt: time.Now().UTC(),
		Version:    schemaVersion,
	})
}

func (publisher *Publisher) publish(ctx context.Context, topic string, key string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		publisher.logger.Error("encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	writer := publisher.writerForTopic(topic)
	err = writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: encoded})
	if err != nil {
		publisher.logger.Error("publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (publisher *Publisher) writerForTopic(topic string) *kafka.Writer {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if writer, ok := publisher.writers[topic]; ok {
		return writer
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(publisher.brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	publisher.writers[topic] = writer
	return writer
}

// Close releases every writer.
func (publisher *Publisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	var firstErr error
	for topic, writer := range publisher.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(publisher.writers, topic)
	}
	return firstErr
}
