package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dmall00/opendarts-autoscore/internal/config"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

const (
	queueSize      = 256
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTEmitter publishes core events to an MQTT broker. Publish only queues;
// a background loop does the network round trip so the core never waits on
// the broker.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	queue chan types.Event

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool

	metrics *metrics.Metrics
	log     logger.Module
}

// NewMQTTEmitter creates an emitter for cfg. Call Connect before Run.
func NewMQTTEmitter(cfg config.MQTTConfig, m *metrics.Metrics) *MQTTEmitter {
	e := newEmitter(cfg, nil, m)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info("Connected to %s as %s", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("Connection lost, will auto-reconnect: %v", err)
	}

	e.Client = mqtt.NewClient(opts)
	return e
}

func newEmitter(cfg config.MQTTConfig, client mqtt.Client, m *metrics.Metrics) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		Client:    client,
		queue:     make(chan types.Event, queueSize),
		published: make(map[string]uint64),
		metrics:   m,
		log:       logger.For("MQTT"),
	}
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect() error {
	e.log.Info("Connecting to mqtt broker %s", e.cfg.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish implements autoscore.EventSink. Events are dropped when the queue is full.
func (e *MQTTEmitter) Publish(ev types.Event) {
	select {
	case e.queue <- ev:
	default:
		e.countError()
		e.metrics.SinkDropped("mqtt")
		e.log.Warn("Queue full, dropping %s for %s", ev.Type(), ev.Session())
	}
}

// Run publishes queued events until ctx is canceled, then flushes what is left.
func (e *MQTTEmitter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue:
			e.send(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) send(ev types.Event) {
	if err := e.publishNow(ev); err != nil {
		e.countError()
		e.metrics.SinkDropped("mqtt")
		e.log.Warn("Publish %s failed: %v", ev.Type(), err)
	}
}

func (e *MQTTEmitter) publishNow(ev types.Event) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	topic := Topic(e.cfg.TopicPrefix, ev)
	payload, err := json.Marshal(types.Payload(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug("Published %s (%d bytes)", topic, len(payload))
	return nil
}

// Topic builds <prefix>/<session>/<player>/<type>.
func Topic(prefix string, ev types.Event) string {
	key := ev.Session()
	parts := []string{strings.TrimSuffix(prefix, "/"), topicSafe(key.SessionID), topicSafe(key.PlayerID), string(ev.Type())}
	if parts[0] == "" {
		parts = parts[1:]
	}
	return strings.Join(parts, "/")
}

// topicSafe keeps ids from introducing extra levels or wildcards.
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.log.Info("Disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
