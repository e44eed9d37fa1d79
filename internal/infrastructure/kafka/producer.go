package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"auction-engine/internal/config"
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// Header keys carried on every event message.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderVersion   = "auction-version"
	HeaderSource    = "source"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventProducer is the notification sink that writes auction events to a Kafka topic keyed by
// auction id, so every consumer sees one auction's events in order.
type EventProducer struct {
	writer messageWriter
	source string
	closed bool
	mu     sync.RWMutex
}

func NewEventProducer(cfg config.KafkaConfig, source string, log logger.Logger) (*EventProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	var compression compress.Compression
	switch cfg.Compression {
	case "none":
	case "gzip":
		compression = compress.Gzip
	case "lz4":
		compression = compress.Lz4
	case "zstd":
		compression = compress.Zstd
	default:
		compression = compress.Snappy
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case 0:
		requiredAcks = kafka.RequireNone
	case 1:
		requiredAcks = kafka.RequireOne
	default:
		requiredAcks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: requiredAcks,
		Compression:  compression,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error("Kafka writer error", "message", fmt.Sprintf(msg, args...))
		}),
	}

	return newEventProducer(writer, source), nil
}

func newEventProducer(writer messageWriter, source string) *EventProducer {
	return &EventProducer{writer: writer, source: source}
}

func (p *EventProducer) Name() string {
	return "kafka"
}

func (p *EventProducer) Deliver(ctx context.Context, event *domain.AuctionEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AuctionID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(event.ID)},
			{Key: HeaderEventType, Value: []byte(event.Type)},
			{Key: HeaderVersion, Value: []byte(strconv.FormatInt(event.Version, 10))},
			{Key: HeaderSource, Value: []byte(p.source)},
		},
	})
}

func (p *EventProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
