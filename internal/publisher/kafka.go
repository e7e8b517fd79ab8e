// Package publisher mirrors flushed price records to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender writes one message per record, keyed by symbol so a symbol's
// records stay on one partition.
type Sender struct {
	writer MessageWriter
	logger *logrus.Logger
}

// NewWriter builds the Kafka writer for cfg. The caller owns it through the
// returned Sender.
func NewWriter(cfg configs.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Broker),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Zstd,
	}
}

// NewSender creates a new Kafka sender.
func NewSender(writer MessageWriter, logger *logrus.Logger) *Sender {
	return &Sender{writer: writer, logger: logger}
}

// Publish sends records as a single batch.
func (s *Sender) Publish(ctx context.Context, records []*models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("serialize %s failed: %w", r.Symbol, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.Symbol),
			Value: data,
			Time:  r.Timestamp,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.writer.WriteMessages(writeCtx, msgs...)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *Sender) Close() error {
	return s.writer.Close()
}
