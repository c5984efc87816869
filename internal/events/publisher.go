package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/config"
)

const (
	queueSize      = 64
	publishTimeout = 10 * time.Second
)

var errNotConnected = errors.New("mqtt publisher not connected")

// conn is the part of autopaho.ConnectionManager the publisher uses.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and publishes turn events from
// a bounded queue. Events that arrive while the queue is full are
// dropped.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	queue      chan TurnEvent

	mu   sync.Mutex
	conn conn
	cm   *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin draining the event queue.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		queue:      make(chan TurnEvent, queueSize),
	}
}

// Start connects to the broker and publishes queued events until ctx is
// cancelled. On every (re-)connect it publishes an "online" birth
// message; the broker publishes "offline" if the connection drops.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.conn = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// ObserveTurn queues ev for publishing. It never blocks.
func (p *Publisher) ObserveTurn(ev TurnEvent) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("mqtt turn event dropped, queue full", "request_id", ev.RequestID)
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "parley/" + p.cfg.DeviceName
}

// AvailabilityTopic is where "online" and "offline" are published.
func (p *Publisher) AvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

// TurnsTopic is where turn events are published.
func (p *Publisher) TurnsTopic() string {
	return p.baseTopic() + "/turns"
}

func (p *Publisher) clientID() string {
	id := "parley-" + p.cfg.DeviceName
	if len(p.instanceID) >= 8 {
		id += "-" + p.instanceID[len(p.instanceID)-8:]
	}
	return id
}

// --- Publishing ---

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.publishTurn(ctx, ev); err != nil {
				p.logger.Debug("mqtt turn publish failed", "request_id", ev.RequestID, "error", err)
			}
		}
	}
}

func (p *Publisher) publishTurn(ctx context.Context, ev TurnEvent) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return errNotConnected
	}

	payload, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := c.Publish(pubCtx, &paho.Publish{
		Topic:   p.TurnsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish turn event: %w", err)
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt turn event published", "request_id", ev.RequestID)
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, c conn, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
