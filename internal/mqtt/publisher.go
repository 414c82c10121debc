package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// TurnMessage is the JSON payload published for every completed turn.
type TurnMessage struct {
	TurnID     string    `json:"turn_id"`
	Session    string    `json:"session"`
	Path       string    `json:"path"`
	ToolCalls  int       `json:"tool_calls"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TurnsToday int64     `json:"turns_today"`
}

// publishFunc sends one message. Production wraps the autopaho
// connection manager; tests capture the calls.
type publishFunc func(ctx context.Context, msg *paho.Publish) error

// Publisher owns the broker connection and forwards turn events from
// the bus.
type Publisher struct {
	cfg     config.MQTTConfig
	bus     *events.Bus
	counter *DailyCounter
	logger  *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding events.
func New(cfg config.MQTTConfig, bus *events.Bus, counter *DailyCounter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = NewDailyCounter(nil)
	}
	return &Publisher{
		cfg:     cfg,
		bus:     bus,
		counter: counter,
		logger:  logger,
	}
}

// Start connects to the broker and forwards turn events until ctx is
// cancelled. On every (re-)connect it publishes the birth message and
// the info document.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAliveSeconds(p.cfg.KeepAlive),
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			pub := managerPublish(cm)
			p.publishAvailability(ctx, pub, "online")
			p.publishInfo(ctx, pub)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so turns finished during the
	// handshake are not lost.
	sub := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(sub)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, sub, managerPublish(cm))
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// ctx bounds both operations.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, managerPublish(cm), "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func managerPublish(cm *autopaho.ConnectionManager) publishFunc {
	return func(ctx context.Context, msg *paho.Publish) error {
		_, err := cm.Publish(ctx, msg)
		return err
	}
}

func keepAliveSeconds(d time.Duration) uint16 {
	s := d / time.Second
	switch {
	case s <= 0:
		return 30
	case s > 65535:
		return 65535
	}
	return uint16(s)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) infoTopic() string {
	return p.cfg.TopicPrefix + "/info"
}

func (p *Publisher) turnsTopic() string {
	return p.cfg.TopicPrefix + "/turns"
}

func (p *Publisher) turnsTodayTopic() string {
	return p.cfg.TopicPrefix + "/turns_today"
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, publish publishFunc, status string) {
	if err := publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publishInfo(ctx context.Context, publish publishFunc) {
	payload, err := json.Marshal(buildinfo.Info())
	if err != nil {
		p.logger.Error("mqtt marshal info payload", "error", err)
		return
	}
	if err := publish(ctx, &paho.Publish{
		Topic:   p.infoTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt info publish failed", "error", err)
	}
}

// forward publishes each turn.complete event from sub until ctx is
// cancelled or sub is closed.
func (p *Publisher) forward(ctx context.Context, sub <-chan events.Event, publish publishFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Kind != events.KindTurnComplete {
				continue
			}
			p.publishTurn(ctx, publish, ev)
		}
	}
}

func (p *Publisher) publishTurn(ctx context.Context, publish publishFunc, ev events.Event) {
	msg := turnMessage(ev)
	msg.TurnsToday = p.counter.Add(msg.ToolCalls)

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("mqtt marshal turn payload", "turn_id", msg.TurnID, "error", err)
		return
	}
	if err := publish(ctx, &paho.Publish{
		Topic:   p.turnsTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt turn publish failed", "turn_id", msg.TurnID, "error", err)
		return
	}
	if err := publish(ctx, &paho.Publish{
		Topic:   p.turnsTodayTopic(),
		Payload: []byte(strconv.FormatInt(msg.TurnsToday, 10)),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt turns_today publish failed", "error", err)
	}
	p.logger.Debug("mqtt turn published", "turn_id", msg.TurnID, "path", msg.Path)
}

// turnMessage lifts the fields of a turn.complete event into the wire
// payload. Missing or mistyped fields are left zero.
func turnMessage(ev events.Event) TurnMessage {
	msg := TurnMessage{Timestamp: ev.Timestamp}
	msg.TurnID, _ = ev.Data["turn_id"].(string)
	msg.Session, _ = ev.Data["session"].(string)
	msg.Path, _ = ev.Data["path"].(string)
	msg.Content, _ = ev.Data["content"].(string)
	msg.ToolCalls = int(asInt64(ev.Data["tool_calls"]))
	msg.ElapsedMS = asInt64(ev.Data["elapsed_ms"])
	return msg
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
