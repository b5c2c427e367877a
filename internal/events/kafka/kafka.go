// Package kafka publishes terminal processing records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/triage"
)

// DefaultTopic receives records when no topic is configured.
const DefaultTopic = "steward.records"

const writeTimeout = 10 * time.Second

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements triage.RecordSink.
type Sink struct {
	w      writer
	topic  string
	logger log.Logger
}

// New creates a Sink producing to topic on brokers. Messages are keyed by
// message id so records for one message land on one partition.
func New(brokers []string, topic string, logger log.Logger) *Sink {
	if len(brokers) == 0 {
		panic(xerrors.New("kafka brokers are required"))
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return newSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: writeTimeout,
	}, topic, logger)
}

func newSink(w writer, topic string, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{w: w, topic: topic, logger: logger}
}

// Publish writes rec as JSON.
func (s *Sink) Publish(ctx context.Context, rec *triage.ProcessingRecord) error {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.MessageID),
		Value: data,
		Time:  rec.CompletedAt,
		Headers: []kafka.Header{
			{Key: "record_id", Value: []byte(rec.ID)},
			{Key: "state", Value: []byte(rec.State)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return triage.TransientError(triage.KindStore, "kafka publish", err)
	}

	s.logger.Info(ctx, "record published", "topic", s.topic, "message_id", rec.MessageID)
	return nil
}

// Close flushes pending writes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
