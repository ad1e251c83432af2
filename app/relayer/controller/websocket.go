package controller

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	relayredis "github.com/canopy-network/relayx/pkg/redis"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`  // "tx", "keys", an exact event type, or "*"
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"`    // event type, "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"` // Event-specific data
}

// clientSubscriptions tracks which event topics a client wants.
type clientSubscriptions struct {
	mu     sync.RWMutex
	topics map[string]bool
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{topics: make(map[string]bool)}
}

func (cs *clientSubscriptions) Subscribe(topic string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.topics[topic] = true
}

func (cs *clientSubscriptions) Unsubscribe(topic string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.topics, topic)
}

// Matches reports whether eventType ("tx.final") is covered by a wildcard,
// its family ("tx") or the exact type.
func (cs *clientSubscriptions) Matches(eventType string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.topics["*"] || cs.topics[eventType] {
		return true
	}
	family, _, _ := strings.Cut(eventType, ".")
	return cs.topics[family]
}

// HandleWebSocket upgrades HTTP connection to WebSocket and streams relay events.
//
// Protocol:
// Client sends: {"action": "subscribe", "topic": "tx"}        // tx.submitted, tx.final
// Client sends: {"action": "subscribe", "topic": "keys"}      // keys.added, keys.draining, keys.removed
// Client sends: {"action": "subscribe", "topic": "*"}
// Client sends: {"action": "unsubscribe", "topic": "tx"}
//
// Server sends:
// - {"type": "tx.submitted", "payload": {...}}
// - {"type": "subscribed", "payload": {"topic": "tx"}}
// - {"type": "error", "payload": {"message": "..."}}
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newClientSubscriptions()
	send := make(chan ServerMessage, 256)
	var producers, writer sync.WaitGroup

	// every goroutine recovers and cancels the connection on panic
	run := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in WebSocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}
	run(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	run(&producers, "ping", func() { c.sendPings(ctx, conn) })
	run(&writer, "writer", func() { c.writeMessages(conn, send) })

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	// send is closed only once nothing can write to it
	producers.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToRedis forwards the account's events to send, resubscribing with
// exponential backoff when the Redis subscription drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	pattern := relayredis.EventPattern(c.App.Config.AccountID)

	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1 // 10% jitter
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := c.attemptRedisSubscription(ctx, pattern, send, subs)
		if ctx.Err() != nil {
			return
		}
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// attemptRedisSubscription runs one subscription until it fails or ctx ends.
func (c *Controller) attemptRedisSubscription(ctx context.Context, pattern string, send chan<- ServerMessage, subs *clientSubscriptions) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx, pattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]string{"message": "event feed connected"}}) {
		return ctx.Err()
	}
	return c.processRedisMessages(ctx, pubsub, send, subs)
}

func (c *Controller) processRedisMessages(ctx context.Context, pubsub *redis.PubSub, send chan<- ServerMessage, subs *clientSubscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eventType := ExtractEventType(msg.Channel)
			if eventType == "" || !subs.Matches(eventType) {
				continue
			}
			ev, err := relayredis.DecodeEvent(msg.Payload)
			if err != nil {
				c.App.Logger.Warn("Failed to parse Redis message", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: eventType, Payload: ev}) {
				return ctx.Err()
			}
		}
	}
}

// CalculateNextBackoff calculates the next backoff duration with exponential growth and jitter.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}
	return nextWithJitter
}

// ExtractEventType returns the event type of a "relayx:<account>:<type>" channel.
func ExtractEventType(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "relayx" {
		return ""
	}
	return parts[2]
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes messages from the send channel to the WebSocket connection.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		payload, err := json.Marshal(msg)
		if err != nil {
			c.App.Logger.Error("Failed to encode WebSocket message", zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			// keep draining so senders never block on a dead connection
			for range send {
			}
			return
		}
	}
}

// readClientMessages handles subscription requests and detects connection closure.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.App.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			cancel()
			return
		}

		var reply ServerMessage
		switch {
		case msg.Topic == "" && (msg.Action == "subscribe" || msg.Action == "unsubscribe"):
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "topic is required"}}
		case msg.Action == "subscribe":
			subs.Subscribe(msg.Topic)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"topic": msg.Topic}}
		case msg.Action == "unsubscribe":
			subs.Unsubscribe(msg.Topic)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"topic": msg.Topic}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
