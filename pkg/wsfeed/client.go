// Package wsfeed provides a WebSocket client for collector sockets that
// expose the decoded BGP update stream directly instead of the bus. It
// reconnects automatically with exponential backoff.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	reconnectBackoff      = 2.0
	pingInterval          = 30 * time.Second
	connectionTimeout     = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// Client consumes BGP updates from a websocket feed with automatic
// reconnection.
type Client struct {
	url     string
	updates chan models.BGPUpdate
	done    chan struct{}
	wg      sync.WaitGroup

	// Stats
	messagesReceived uint64
	updatesParsed    uint64
	errors           uint64
	reconnects       uint64

	running   atomic.Bool
	connected atomic.Bool
}

// NewClient creates a client for the given feed endpoint.
func NewClient(url string, buffer int) *Client {
	return &Client{
		url:     url,
		updates: make(chan models.BGPUpdate, buffer),
		done:    make(chan struct{}),
	}
}

// SubscribeBGP starts the feed and copies updates to out until ctx is done,
// then closes out. It satisfies the pipeline's BGP source boundary.
func (c *Client) SubscribeBGP(ctx context.Context, out chan<- models.BGPUpdate) error {
	c.Start()
	go func() {
		defer close(out)
		defer c.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-c.updates:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// Start begins the connection loop in a goroutine.
func (c *Client) Start() {
	if c.running.Swap(true) {
		return
	}
	c.wg.Add(1)
	go c.runLoop()
	log.Info().Str("url", c.url).Msg("bgp feed client started")
}

// Stop gracefully shuts down the client.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.done)
	c.wg.Wait()
	log.Info().Str("url", c.url).Msg("bgp feed client stopped")
}

// Stats returns current statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":         c.connected.Load(),
		"messages_received": atomic.LoadUint64(&c.messagesReceived),
		"updates_parsed":    atomic.LoadUint64(&c.updatesParsed),
		"errors":            atomic.LoadUint64(&c.errors),
		"reconnects":        atomic.LoadUint64(&c.reconnects),
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	reconnectDelay := initialReconnectDelay
	for c.running.Load() {
		err := c.connectAndStream()
		if err != nil {
			atomic.AddUint64(&c.errors, 1)
			atomic.AddUint64(&c.reconnects, 1)
			log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("feed connection error")
		}

		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay):
			reconnectDelay = time.Duration(float64(reconnectDelay) * reconnectBackoff)
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
		}
	}
}

func (c *Client) connectAndStream() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectionTimeout,
	}

	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"type":   "subscribe",
		"stream": "bgp.updates",
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.connected.Store(true)
	log.Info().Str("url", c.url).Msg("feed connected and subscribed")

	conn.SetPongHandler(func(string) error {
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-c.done:
				// Close connection to unblock ReadMessage
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	for c.running.Load() {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.connected.Store(false)
				return nil
			}
			c.connected.Store(false)
			return fmt.Errorf("read failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		atomic.AddUint64(&c.messagesReceived, 1)

		update, err := ParseMessage(message)
		if err != nil {
			metrics.MalformedRecords.WithLabelValues("bgp").Inc()
			continue
		}
		if update == nil {
			continue
		}
		atomic.AddUint64(&c.updatesParsed, 1)
		select {
		case c.updates <- *update:
		default:
			// Channel full, log occasionally
			if atomic.LoadUint64(&c.updatesParsed)%10000 == 0 {
				log.Warn().Msg("feed channel full, dropping update")
			}
		}
	}

	c.connected.Store(false)
	return nil
}

// ParseMessage decodes one feed frame into a BGPUpdate. Control frames (no
// message type) return nil without error.
func ParseMessage(data []byte) (*models.BGPUpdate, error) {
	var update models.BGPUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("unmarshal update: %w", err)
	}
	if update.Type == "" {
		return nil, nil
	}
	switch update.Type {
	case models.MsgUpdate, models.MsgWithdraw, models.MsgNotification, models.MsgKeepalive:
	default:
		return nil, fmt.Errorf("unknown message type %q", update.Type)
	}
	if update.Peer == "" {
		return nil, fmt.Errorf("update missing peer")
	}
	return &update, nil
}
