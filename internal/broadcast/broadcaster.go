package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

const subscriberBuffer = 16

// SerializedEvent holds pre-serialized event data so each subscriber does not
// marshal the same event again.
type SerializedEvent struct {
	Type         types.EventType
	Key          types.SessionKey
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // structpb.Struct wire bytes, base64 encoded for SSE
}

// Filter selects the events a subscriber receives. Empty fields match anything.
type Filter struct {
	PlayerID  string
	SessionID string
}

// Matches reports whether key passes the filter.
func (f Filter) Matches(key types.SessionKey) bool {
	if f.PlayerID != "" && f.PlayerID != key.PlayerID {
		return false
	}
	if f.SessionID != "" && f.SessionID != key.SessionID {
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan *SerializedEvent
}

// EventBroadcaster fans core events out to SSE and data-channel subscribers.
// Slow subscribers lose events instead of blocking the core.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]*subscriber
	nextID  int
	metrics *metrics.Metrics
	log     logger.Module
}

// NewEventBroadcaster creates an empty broadcaster. m may be nil.
func NewEventBroadcaster(m *metrics.Metrics) *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[int]*subscriber),
		metrics: m,
		log:     logger.For("EventBroadcaster"),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *EventBroadcaster) Subscribe(filter Filter) (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, subscriberBuffer)
	b.clients[id] = &subscriber{filter: filter, ch: ch}
	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Store(uint64(len(b.clients)))
	}

	b.log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.clients[id]; ok {
		close(sub.ch)
		delete(b.clients, id)
		if b.metrics != nil {
			b.metrics.ActiveSubscribers.Store(uint64(len(b.clients)))
		}
		b.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Len returns the number of subscribers.
func (b *EventBroadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish implements autoscore.EventSink.
func (b *EventBroadcaster) Publish(e types.Event) {
	b.mu.Lock()
	empty := len(b.clients) == 0
	b.mu.Unlock()
	if empty {
		return
	}

	event, err := Serialize(e)
	if err != nil {
		b.log.Error("Serialize %s: %v", e.Type(), err)
		return
	}
	b.broadcast(event)
}

func (b *EventBroadcaster) broadcast(event *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.clients {
		if !sub.filter.Matches(event.Key) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.metrics.SinkDropped("broadcast")
			b.log.Debug("Client #%d is slow, dropped %s", id, event.Type)
		}
	}
}

// Serialize renders an event as JSON and as a base64 protobuf Struct.
func Serialize(e types.Event) (*SerializedEvent, error) {
	payload := types.Payload(e)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	pbEvent, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(pbEvent)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		Type:         e.Type(),
		Key:          e.Session(),
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
