// Package alerts implements debounced circuit-breaker alert fan-out, per
// SPEC_FULL.md §4.9. It subscribes to breaker state telemetry, classifies
// each "opened" event by health score, tracks an aggregate health picture
// across providers, and fans classified alerts out to registered handlers
// with per-key cooldown debouncing and exception isolation.
package alerts

import (
	"time"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
)

// Severity is one of the three alert levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one fanned-out notification.
type Alert struct {
	Key         string
	Severity    Severity
	Provider    string
	HealthScore float64
	Reason      string
	Ts          time.Time
}

// Handler receives every non-debounced alert. Panics are recovered per
// handler so one bad handler never suppresses the rest.
type Handler func(Alert)

// Manager owns the per-provider health picture and the cooldown ledger. A
// single owner goroutine processes breaker telemetry and handler
// registration, mirroring the actor-per-component shape used throughout
// the core.
type Manager struct {
	cfg config.AlertsConfig
	bus *telemetry.Bus
	log *zap.Logger

	mailbox chan any
	closeCh chan struct{}
	doneCh  chan struct{}
	handle  telemetry.Handle

	handlers   []Handler
	health     map[string]float64 // provider -> last known health_score
	lastSentAt map[string]time.Time
}

type breakerOpenedMsg struct {
	provider    string
	healthScore float64
}

type registerMsg struct {
	h Handler
}

// New constructs and starts a Manager, subscribing to breaker-opened
// telemetry on bus.
func New(cfg config.AlertsConfig, bus *telemetry.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		log:        log,
		mailbox:    make(chan any, 256),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		health:     make(map[string]float64),
		lastSentAt: make(map[string]time.Time),
	}
	m.handle = bus.Attach("cyb.circuit_breaker.opened", m.onOpened)
	go m.run()
	return m
}

// Register adds a handler to the fan-out list.
func (m *Manager) Register(h Handler) {
	select {
	case m.mailbox <- registerMsg{h: h}:
	case <-m.closeCh:
	}
}

// Close detaches from telemetry and stops the owner goroutine.
func (m *Manager) Close() {
	m.bus.Detach("cyb.circuit_breaker.opened", m.handle)
	close(m.closeCh)
	<-m.doneCh
}

func (m *Manager) onOpened(evt telemetry.Event) {
	provider, _ := evt.Metadata["circuit_breaker"].(string)
	score, _ := evt.Metadata["health_score"].(float64)
	msg := breakerOpenedMsg{provider: provider, healthScore: score}
	select {
	case m.mailbox <- msg:
	case <-m.closeCh:
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.closeCh:
			return
		case raw := <-m.mailbox:
			switch msg := raw.(type) {
			case registerMsg:
				m.handlers = append(m.handlers, msg.h)
			case breakerOpenedMsg:
				m.handleOpened(msg)
			}
		}
	}
}

func (m *Manager) handleOpened(msg breakerOpenedMsg) {
	m.health[msg.provider] = msg.healthScore

	sev := m.classify(msg.healthScore)
	m.maybeSend(Alert{
		Key:         "circuit_breaker:" + msg.provider,
		Severity:    sev,
		Provider:    msg.provider,
		HealthScore: msg.healthScore,
		Reason:      "endpoint opened",
	})

	m.maybeSendAggregate()
}

func (m *Manager) classify(score float64) Severity {
	switch {
	case score < m.cfg.CriticalHealthThreshold:
		return SeverityCritical
	case score < m.cfg.WarningHealthThreshold:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (m *Manager) maybeSendAggregate() {
	var critical, degraded int
	for _, score := range m.health {
		switch {
		case score < m.cfg.CriticalHealthThreshold:
			critical++
		case score < m.cfg.WarningHealthThreshold:
			degraded++
		}
	}

	threshold := m.cfg.MultipleFailureThreshold
	switch {
	case critical >= threshold:
		m.maybeSend(Alert{Key: "aggregate:critical", Severity: SeverityCritical, Reason: "multiple providers critical"})
	case critical+degraded >= threshold:
		m.maybeSend(Alert{Key: "aggregate:warning", Severity: SeverityWarning, Reason: "multiple providers degraded"})
	case critical == 0 && degraded == 0 && len(m.health) > 0:
		m.maybeSend(Alert{Key: "aggregate:recovered", Severity: SeverityInfo, Reason: "full recovery"})
	}
}

// maybeSend applies cooldown debouncing keyed on alert.Key, then fans the
// alert out to every registered handler with exception isolation.
func (m *Manager) maybeSend(a Alert) {
	now := time.Now()
	if last, ok := m.lastSentAt[a.Key]; ok {
		if now.Sub(last) < time.Duration(m.cfg.AlertCooldownMs)*time.Millisecond {
			return
		}
	}
	m.lastSentAt[a.Key] = now
	a.Ts = now

	for _, h := range m.handlers {
		m.safeInvoke(h, a)
	}
}

func (m *Manager) safeInvoke(h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("alerts: handler panicked", zap.Any("recovered", r), zap.String("key", a.Key))
		}
	}()
	h(a)
}
