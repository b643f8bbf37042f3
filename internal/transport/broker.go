package transport

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/connmgr"
	"github.com/cybernetic-system/core/internal/vsmerr"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

// wireBody is the JSON body published onto the AMQP exchange, matching the
// wire protocol in SPEC_FULL.md §6: {operation, payload, meta}.
type wireBody struct {
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta"`
}

// Broker is the AMQP-backed Transport. It publishes onto a durable topic
// exchange; delivery to per-system queues happens via the bindings the
// connection manager declares. publish does not await broker ack by
// default, per §5.
type Broker struct {
	cfg *config.TransportConfig
	mgr *connmgr.Manager
	log *zap.Logger
}

// NewBroker constructs a Broker transport backed by mgr.
func NewBroker(cfg config.TransportConfig, mgr *connmgr.Manager, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{cfg: &cfg, mgr: mgr, log: log}
}

// Publish renders routingKey/payload/meta onto the wire format and
// publishes to the configured exchange under the broker-bound routing key
// "vsm.N.operation". Returns vsmerr.ErrNotConnected immediately if the
// manager has no live channel — publish never blocks waiting to reconnect.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload map[string]any, meta map[string]any) error {
	sys, op, err := vsmmsg.ParseRoutingKey(routingKey)
	if err != nil {
		return err
	}

	ch := b.mgr.Channel()
	if ch == nil {
		return vsmerr.ErrNotConnected
	}

	msg := vsmmsg.NewMessage(routingKey, payload, meta)
	body, err := json.Marshal(wireBody{Operation: op, Payload: msg.Payload, Meta: msg.Meta})
	if err != nil {
		return err
	}

	brokerKey := vsmmsg.BrokerRoutingKey(sys, op)
	return ch.PublishWithContext(ctx, b.cfg.Exchange, brokerKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close closes the underlying connection manager.
func (b *Broker) Close() error {
	return b.mgr.Close()
}
