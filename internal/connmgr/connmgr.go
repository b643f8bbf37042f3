// Package connmgr owns the AMQP connection lifecycle for the broker-backed
// Transport: async connect at boot, idempotent topic-exchange declaration,
// per-system durable queue declaration/binding, and a fixed-backoff
// reconnect loop, per SPEC_FULL.md §4.12.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

const reconnectBackoff = 5 * time.Second

// Manager owns a single AMQP connection/channel pair and keeps it alive
// across broker restarts. Connected() is the gate publish() consults to
// fail fast with not_connected rather than block.
type Manager struct {
	cfg config.TransportConfig
	log *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closeCh chan struct{}
	doneCh  chan struct{}
}

// New constructs a Manager and starts its connect/reconnect loop in the
// background. Callers should wait on Connected() before publishing, or
// tolerate a brief not_connected window at boot (connection is established
// asynchronously per §4.1).
func New(cfg config.TransportConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Connected reports whether a usable channel is currently established.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel != nil
}

// Channel returns the current AMQP channel, or nil if disconnected.
// Callers must re-check Connected() / nil before every publish since the
// channel can be torn down concurrently by the reconnect loop.
func (m *Manager) Channel() *amqp.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel
}

// Close tears down the connection and stops the reconnect loop.
func (m *Manager) Close() error {
	close(m.closeCh)
	<-m.doneCh
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		if err := m.connectOnce(); err != nil {
			m.log.Warn("connmgr: connect failed, retrying",
				zap.Error(err), zap.Duration("backoff", reconnectBackoff))
		} else {
			notifyClose := make(chan *amqp.Error, 1)
			m.mu.RLock()
			conn := m.conn
			m.mu.RUnlock()
			conn.NotifyClose(notifyClose)

			select {
			case <-m.closeCh:
				return
			case err := <-notifyClose:
				m.log.Warn("connmgr: connection lost, reconnecting", zap.Error(asError(err)))
				m.mu.Lock()
				m.channel = nil
				m.conn = nil
				m.mu.Unlock()
			}
		}

		select {
		case <-m.closeCh:
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// connectOnce dials, opens a channel, and idempotently declares the topic
// exchange plus every configured per-system queue and binding.
func (m *Manager) connectOnce() error {
	conn, err := amqp.Dial(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("connmgr: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("connmgr: open channel: %w", err)
	}

	exchangeType := m.cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = "topic"
	}
	if err := ch.ExchangeDeclare(m.cfg.Exchange, exchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("connmgr: declare exchange %q: %w", m.cfg.Exchange, err)
	}

	for _, q := range m.cfg.Queues {
		if _, err := ch.QueueDeclare(q.QueueName, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("connmgr: declare queue %q: %w", q.QueueName, err)
		}
		pattern := fmt.Sprintf("vsm.%d.*", q.System)
		if err := ch.QueueBind(q.QueueName, pattern, m.cfg.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("connmgr: bind queue %q to %q: %w", q.QueueName, pattern, err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.channel = ch
	m.mu.Unlock()

	m.log.Info("connmgr: connected", zap.String("exchange", m.cfg.Exchange), zap.Int("queues", len(m.cfg.Queues)))
	return nil
}

// QueueNameFor returns the configured durable queue name for a VSM system,
// or "" if none is configured (the caller should treat that as
// vsmerr.ErrUnknownRoutingKey territory upstream).
func (m *Manager) QueueNameFor(sys vsmmsg.System) string {
	for _, q := range m.cfg.Queues {
		if vsmmsg.System(q.System) == sys {
			return q.QueueName
		}
	}
	return ""
}

func asError(e *amqp.Error) error {
	if e == nil {
		return context.Canceled
	}
	return e
}
