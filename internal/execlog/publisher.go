package execlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/service0427/coupang/pkg/keywords"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher mirrors execution log entries to a Kafka topic so other
// systems can consume attempt outcomes without polling the database.
// The Postgres table stays the source of truth; a lost mirror write is
// logged and swallowed.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// NewPublisherWithWriter builds a publisher using a custom writer (tests).
func NewPublisherWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish mirrors one entry. Entries are keyed by keyword id so all
// attempts for a keyword land in one partition, in order.
func (p *Publisher) Publish(ctx context.Context, entry *keywords.ExecutionLog) {
	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to encode execution log event", "keyword_id", entry.KeywordID, "error", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(entry.KeywordID, 10)),
		Value: payload,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to publish execution log event", "keyword_id", entry.KeywordID, "error", err)
	}
}
