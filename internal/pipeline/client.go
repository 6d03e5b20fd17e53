package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 5 * time.Second
)

// ClientOptions configures a Client. Zero values fall back to a 1s..30s
// reconnect backoff and a 60s read timeout.
type ClientOptions struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// ReadTimeout is how long the connection may stay silent. Pings go out
	// at nine tenths of it so an idle pipeline keeps the socket open.
	ReadTimeout time.Duration
}

// Client keeps a websocket connection to the vision pipeline open and feeds
// every message it receives to an Ingestor.
type Client struct {
	url         string
	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	ingest      *Ingestor
	dialer      *websocket.Dialer
	header      http.Header
	metrics     *metrics.Metrics
	log         logger.Module
}

// NewClient creates a client for opts.URL.
func NewClient(opts ClientOptions, ingest *Ingestor, m *metrics.Metrics) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Client{
		url:         opts.URL,
		minBackoff:  opts.ReconnectMin,
		maxBackoff:  opts.ReconnectMax,
		readTimeout: opts.ReadTimeout,
		ingest:      ingest,
		dialer:      websocket.DefaultDialer,
		header:      http.Header{},
		metrics:     m,
		log:         logger.For("Pipeline"),
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff
	b.Reset()
	return b
}

// Run connects and reads until ctx is canceled, reconnecting with
// exponential backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Warn("Pipeline connection lost: %v (retry in %s)", err, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.log.Info("Connected to vision pipeline at %s", c.url)
	c.metrics.SetPipelineConnected(true)
	defer c.metrics.SetPipelineConnected(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(c.readTimeout * 9 / 10)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
				conn.Close()
				return
			case <-ping.C:
				// WriteControl may run concurrently with the read loop.
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					c.log.Debug("Ping failed: %v", err)
					return
				}
			case <-done:
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("pipeline closed the connection")
			}
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		// Decode errors are per-message and never drop the connection.
		_, _, _ = c.ingest.Ingest(data)
	}
}
