package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltmesh/voltmesh/pkg/models"
)

// Trade lifecycle event types.
const (
	EventTradeCreated   = "trade.created"
	EventTradeCompleted = "trade.completed"
	EventTradeDisputed  = "trade.disputed"
	EventTradeResolved  = "trade.resolved"
	EventTradeRefunded  = "trade.refunded"
)

// TradeEvent is published on every trade lifecycle transition.
type TradeEvent struct {
	Type       string          `json:"type"`
	TradeID    uuid.UUID       `json:"trade_id"`
	OfferID    uint64          `json:"offer_id"`
	Buyer      uuid.UUID       `json:"buyer"`
	Seller     uuid.UUID       `json:"seller"`
	Quantity   decimal.Decimal `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Status     string          `json:"status"`
	At         time.Time       `json:"at"`
}

// Publisher delivers trade events to interested consumers. Publishing
// happens after the transaction commits; a delivery failure is logged, not
// rolled back.
type Publisher interface {
	Publish(ctx context.Context, ev TradeEvent) error
}

// publish builds the event for a trade and hands it to the publisher.
func (s *Service) publish(ctx context.Context, eventType string, trade *models.Trade) {
	if s.events == nil {
		return
	}
	ev := TradeEvent{
		Type:       eventType,
		TradeID:    trade.ID,
		OfferID:    trade.OfferID,
		Buyer:      trade.Buyer,
		Seller:     trade.Seller,
		Quantity:   trade.Quantity,
		TotalPrice: trade.TotalPrice,
		Status:     trade.Status,
		At:         s.clock.Now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Error("publish trade event failed",
			zap.String("type", eventType),
			zap.String("trade_id", trade.ID.String()),
			zap.Error(err))
	}
}

// ChannelPublisher delivers events to an in-process channel. Events are
// dropped when the consumer falls behind; the channel is a notification
// path, the store is the source of truth.
type ChannelPublisher struct {
	ch     chan TradeEvent
	logger *zap.Logger
}

// NewChannelPublisher creates a channel publisher with the given buffer.
func NewChannelPublisher(buffer int, logger *zap.Logger) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelPublisher{ch: make(chan TradeEvent, buffer), logger: logger}
}

// Events exposes the delivery channel.
func (p *ChannelPublisher) Events() <-chan TradeEvent { return p.ch }

// Publish implements Publisher.
func (p *ChannelPublisher) Publish(_ context.Context, ev TradeEvent) error {
	select {
	case p.ch <- ev:
	default:
		p.logger.Warn("trade event dropped, consumer behind",
			zap.String("type", ev.Type),
			zap.String("trade_id", ev.TradeID.String()))
	}
	return nil
}

// KafkaPublisher delivers events to a Kafka topic, keyed by trade id so
// one trade's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher writing to the given brokers and
// topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev TradeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TradeID.String()),
		Value: value,
	})
}

// Close flushes and closes the Kafka writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
