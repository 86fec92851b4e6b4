package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"consolidated_book/internal/infra/metrics"
	"consolidated_book/internal/orderbook"
)

const writeTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber is the part of the aggregator the publisher needs.
type Subscriber interface {
	Subscribe(symbol string, handler orderbook.Handler) *orderbook.Subscription
}

// Snapshot is the record written to Kafka, keyed by symbol.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"ts"`
	Data      []orderbook.Row `json:"data"`
}

// Publisher mirrors consolidated snapshots of selected symbols to a topic.
type Publisher struct {
	writer messageWriter
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*orderbook.Subscription
}

func NewPublisher(brokers []string, topic string, logger zerolog.Logger) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, logger.With().Str("component", "kafka").Str("topic", topic).Logger())
}

func newPublisher(w messageWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// Start subscribes to every symbol. Writes run on the subscriber goroutines,
// so a slow broker only delays its own snapshots.
func (p *Publisher) Start(src Subscriber, symbols []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, symbol := range symbols {
		symbol := symbol
		p.subs = append(p.subs, src.Subscribe(symbol, func(rows []orderbook.Row) {
			p.publish(symbol, rows)
		}))
	}
	p.logger.Info().Strs("symbols", symbols).Msg("snapshot publishing started")
}

func (p *Publisher) publish(symbol string, rows []orderbook.Row) {
	value, err := json.Marshal(Snapshot{Symbol: symbol, Timestamp: time.Now().UnixMilli(), Data: rows})
	if err != nil {
		metrics.KafkaPublishErrors.Inc()
		p.logger.Error().Err(err).Str("symbol", symbol).Msg("marshal snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(symbol), Value: value}); err != nil {
		metrics.KafkaPublishErrors.Inc()
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("publish snapshot")
	}
}

// Close stops the subscriptions and flushes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return p.writer.Close()
}
