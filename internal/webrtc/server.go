package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dmall00/opendarts-autoscore/internal/broadcast"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// EventsLabel is the data channel label app clients open in their offer.
const EventsLabel = "autoscore-events"

// ErrTooManyClients is returned when the client limit is reached.
var ErrTooManyClients = errors.New("maximum clients reached")

// ManualApplier accepts manual adjustments sent back over the data channel.
type ManualApplier interface {
	ApplyManual(types.ManualAdjustment)
}

// Client represents a connected WebRTC client
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	filter        broadcast.Filter
	subID         int
	subscribed    bool
	closeOnce     sync.Once
	eventsSent    atomic.Uint64
	eventsDropped atomic.Uint64
}

// Options tunes the peer connection setup.
type Options struct {
	STUNServers []string
	MaxClients  int
	// IncludeLoopback adds loopback ICE candidates, for single-host setups and tests.
	IncludeLoopback bool
}

// Server delivers autoscore events to app clients over WebRTC data channels.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	events     *broadcast.EventBroadcaster
	manual     ManualApplier
	metrics    *metrics.Metrics
	log        logger.Module
}

// NewServer creates a new WebRTC server. manual and m may be nil.
func NewServer(opts Options, events *broadcast.EventBroadcaster, manual ManualApplier, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: opts.MaxClients,
		api:        api,
		events:     events,
		manual:     manual,
		metrics:    m,
		log:        logger.For("WebRTC"),
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. Events matching
// filter are sent on the client's autoscore-events data channel once it opens.
func (s *Server) HandleOffer(offerJSON []byte, filter broadcast.Filter) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()

	if s.maxClients > 0 && numClients >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:       "client-" + uuid.NewString(),
		peerConn: peerConn,
		filter:   filter,
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != EventsLabel {
			s.log.Debug("Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() { s.streamEvents(client, dc) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.handleMessage(client, msg) })
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.log.Info("Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	s.log.Debug("ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveClients.Store(uint64(count))
		s.metrics.TotalClients.Add(1)
	}

	s.log.Info("Client %s connected (player=%q session=%q)", client.id, filter.PlayerID, filter.SessionID)

	// Return the complete local description (with ICE candidates)
	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// streamEvents pumps broadcaster events into the data channel until the
// subscription is closed by RemoveClient.
func (s *Server) streamEvents(client *Client, dc *webrtc.DataChannel) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client.id]; !ok || client.subscribed {
		s.clientsMu.Unlock()
		return
	}
	id, ch := s.events.Subscribe(client.filter)
	client.subID = id
	client.subscribed = true
	s.clientsMu.Unlock()

	s.log.Debug("Client %s data channel open", client.id)
	go func() {
		for ev := range ch {
			if err := dc.SendText(string(ev.JSONData)); err != nil {
				client.eventsDropped.Add(1)
				s.metrics.SinkDropped("webrtc")
				s.log.Warn("Error sending %s to client %s: %v", ev.Type, client.id, err)
				continue
			}
			client.eventsSent.Add(1)
		}
	}()
}

// handleMessage applies {"kind":"THROW"|"REVERT"} sent by a client bound to one session.
func (s *Server) handleMessage(client *Client, msg webrtc.DataChannelMessage) {
	if s.manual == nil || !msg.IsString {
		return
	}
	key := types.SessionKey{PlayerID: client.filter.PlayerID, SessionID: client.filter.SessionID}
	if !key.Valid() {
		s.log.Warn("Client %s sent an adjustment without a session binding", client.id)
		return
	}
	var adj types.ManualAdjustment
	if err := json.Unmarshal(msg.Data, &adj); err != nil || adj.Kind == 0 {
		s.log.Warn("Client %s sent invalid adjustment: %s", client.id, msg.Data)
		return
	}
	adj.Key = key
	s.manual.ApplyManual(adj)
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveClients.Store(uint64(count))
	}

	client.closeOnce.Do(func() {
		if client.subscribed {
			s.events.Unsubscribe(client.subID)
		}
		client.peerConn.Close()
	})

	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.eventsSent.Load(), client.eventsDropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    client.eventsSent.Load(),
			"events_dropped": client.eventsDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
