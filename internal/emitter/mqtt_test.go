package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dmall00/opendarts-autoscore/internal/config"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the emitter uses.
type fakeClient struct {
	mqtt.Client
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{} }
func (c *fakeClient) IsConnected() bool   { return true }
func (c *fakeClient) Disconnect(uint)     {}
func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func testConfig() config.MQTTConfig {
	cfg := config.DefaultConfig().MQTT
	cfg.Broker = "tcp://broker:1883"
	return cfg
}

func TestTopic(t *testing.T) {
	key := types.SessionKey{PlayerID: "p/1", SessionID: "g#1"}
	if got := Topic("opendarts/autoscore/", types.TurnSwitchDetected{Key: key}); got != "opendarts/autoscore/g_1/p_1/turnSwitch" {
		t.Fatalf("Topic = %q", got)
	}
	if got := Topic("", types.TurnSwitchDetected{Key: key}); got != "g_1/p_1/turnSwitch" {
		t.Fatalf("Topic without prefix = %q", got)
	}
}

func TestRunPublishesQueuedEvents(t *testing.T) {
	client := &fakeClient{}
	e := newEmitter(testConfig(), client, nil)
	if err := e.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	key := types.SessionKey{PlayerID: "p1", SessionID: "g1"}
	e.Publish(types.DartThrowDetected{Key: key, Multiplier: 1, Score: 20, AutoScore: true})
	e.Publish(types.CalibrationChanged{Key: key, Calibrated: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx) // flushes the queue and returns

	if len(client.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(client.msgs))
	}
	first := client.msgs[0]
	if first.topic != "opendarts/autoscore/g1/p1/dartProcessedResult" || first.qos != 1 {
		t.Fatalf("first message = %+v", first)
	}
	var body map[string]any
	if err := json.Unmarshal(first.payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body["score"].(float64) != 20 || body["auto_score"] != true {
		t.Fatalf("payload = %v", body)
	}

	stats := e.Stats()
	if !stats.Connected || stats.Published["opendarts/autoscore/g1/p1/calibration"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPublishWhileDisconnectedCountsErrors(t *testing.T) {
	e := newEmitter(testConfig(), &fakeClient{}, nil)
	e.Publish(types.TurnSwitchDetected{Key: types.SessionKey{PlayerID: "p", SessionID: "g"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)

	if got := e.Stats().Errors; got != 1 {
		t.Fatalf("Errors = %d, want 1", got)
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	e := newEmitter(testConfig(), &fakeClient{}, nil)
	key := types.SessionKey{PlayerID: "p", SessionID: "g"}
	for i := 0; i < queueSize+3; i++ {
		e.Publish(types.TurnSwitchDetected{Key: key})
	}
	if got := e.Stats().Errors; got != 3 {
		t.Fatalf("Errors = %d, want 3", got)
	}
}
