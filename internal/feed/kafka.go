// Package feed publishes committed ledger changes to a Kafka topic for
// downstream consumers (risk systems, blotters, compliance capture).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
)

const (
	// queueDepth bounds the publish backlog. Updates past it are dropped,
	// never allowed to stall the engine.
	queueDepth = 256

	writeTimeout = 5 * time.Second
)

// update is the wire envelope for one ledger change. Exactly one payload
// field is set, named by Kind.
type update struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Order        *domain.Order        `json:"order,omitempty"`
	Fill         *domain.Fill         `json:"fill,omitempty"`
	Position     *domain.Position     `json:"position,omitempty"`
	AccountValue *domain.AccountValue `json:"account_value,omitempty"`
}

// Publisher forwards ledger updates to Kafka. Callbacks enqueue without
// blocking; Run does the actual writes. Updates for one order share a
// message key, so they stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
	queue  chan kafka.Message
	log    *slog.Logger
}

var _ engine.Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher for the given brokers and topic. The
// writer dials lazily on first publish.
func NewPublisher(brokers []string, topic string, log *slog.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		queue: make(chan kafka.Message, queueDepth),
		log:   log.With("component", "feed"),
	}
}

// Run writes queued updates until ctx is cancelled, then drains what is
// already queued and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("feed publisher started", "topic", p.writer.Topic)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			if err := p.writer.Close(); err != nil {
				p.log.Error("close kafka writer", "err", err)
			}
			return ctx.Err()
		case m := <-p.queue:
			p.write(m)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case m := <-p.queue:
			p.write(m)
		default:
			return
		}
	}
}

func (p *Publisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, m); err != nil {
		p.log.Error("publish update", "key", string(m.Key), "err", err)
	}
}

func (p *Publisher) publish(key string, u update) {
	u.At = time.Now().UTC()
	data, err := json.Marshal(u)
	if err != nil {
		p.log.Error("marshal update", "kind", u.Kind, "err", err)
		return
	}
	select {
	case p.queue <- kafka.Message{Key: []byte(key), Value: data}:
	default:
		p.log.Warn("feed queue full, update dropped", "kind", u.Kind, "key", key)
	}
}

func orderKey(orderID int64) string { return fmt.Sprintf("order-%d", orderID) }

func (p *Publisher) OrderUpdated(o *domain.Order) {
	p.publish(orderKey(o.OrderID), update{Kind: "order", Order: o})
}

func (p *Publisher) FillRecorded(f *domain.Fill) {
	p.publish(orderKey(f.OrderID), update{Kind: "fill", Fill: f})
}

func (p *Publisher) PositionUpdated(pos *domain.Position) {
	key := fmt.Sprintf("position-%s-%s", pos.Account, pos.Symbol)
	p.publish(key, update{Kind: "position", Position: pos})
}

func (p *Publisher) AccountValueUpdated(v *domain.AccountValue) {
	key := fmt.Sprintf("account-%s-%s", v.Account, v.Tag)
	p.publish(key, update{Kind: "account_value", AccountValue: v})
}
