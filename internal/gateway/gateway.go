// Package gateway bridges a glasses websocket connection onto the bus: JSON event
// messages and binary PCM frames go in, actions, mode changes and speech audio come
// back out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Message is the JSON envelope exchanged with the glasses.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	kind    int
	payload []byte
}

// Gateway serves the glasses websocket endpoint.
type Gateway struct {
	cfg      config.GatewayConfig
	audio    config.AudioConfig
	bus      *bus.Client
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup

	connections metric.Int64UpDownCounter
	rejected    metric.Int64Counter
}

func New(cfg config.GatewayConfig, audioCfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) *Gateway {
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/gateway")
	connections, _ := meter.Int64UpDownCounter("glasses.gateway.connections")
	rejected, _ := meter.Int64Counter("glasses.gateway.rejected_messages")
	return &Gateway{
		cfg:   cfg,
		audio: audioCfg,
		bus:   busClient,
		log:   logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:     make(map[*client]struct{}),
		connections: connections,
		rejected:    rejected,
	}
}

// ServeHTTP upgrades the request and runs the connection until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	device := r.URL.Query().Get("device_id")
	if device == "" {
		device = g.cfg.DeviceID
	}

	c := &client{
		gw:      g,
		conn:    conn,
		device:  device,
		send:    make(chan outbound, sendBuffer),
		done:    make(chan struct{}),
		log:     g.log.With(slog.String("device_id", device)),
		limiter: newLimiter(g.cfg),
	}
	if err := c.subscribe(); err != nil {
		g.log.Warn("failed to subscribe for client", slogError(err))
		conn.Close()
		return
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	if g.connections != nil {
		g.connections.Add(r.Context(), 1)
	}
	c.announce()
	c.log.Info("glasses connected", slog.String("remote", r.RemoteAddr))

	g.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// Close disconnects every client and waits for their pumps to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	g.wg.Wait()
}

// Clients returns the number of connected glasses.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if ok && g.connections != nil {
		g.connections.Add(context.Background(), -1)
	}
}

func newLimiter(cfg config.GatewayConfig) *rate.Limiter {
	if cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
}

type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	device  string
	send    chan outbound
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
	limiter *rate.Limiter
	subs    []*nats.Subscription
	seq     int
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.gw.remove(c)
	})
}

func (c *client) subscribe() error {
	conn := c.gw.bus.Conn()
	forward := []string{
		protocol.SubjectActionPrefix + ".>",
		protocol.SubjectModeChanged,
	}
	for _, subject := range forward {
		sub, err := conn.Subscribe(subject, c.forwardJSON)
		if err != nil {
			c.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	sub, err := conn.Subscribe(protocol.SubjectTTSAudio, c.forwardAudio)
	if err != nil {
		c.unsubscribeAll()
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTTSAudio, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *client) unsubscribeAll() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

// forwardJSON wraps an outbound bus message as {"event": <name>, "data": <payload>}.
func (c *client) forwardJSON(msg *nats.Msg) {
	event := strings.TrimPrefix(msg.Subject, protocol.SubjectActionPrefix+".")
	if msg.Subject == protocol.SubjectModeChanged {
		event = "mode_changed"
	}
	payload, err := json.Marshal(Message{Event: event, Data: json.RawMessage(msg.Data)})
	if err != nil {
		c.log.Warn("failed to wrap outbound message", slogError(err))
		return
	}
	c.enqueue(outbound{kind: websocket.TextMessage, payload: payload})
}

// forwardAudio writes synthesized speech as raw PCM binary frames.
func (c *client) forwardAudio(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		c.log.Warn("invalid audio chunk", slogError(err))
		return
	}
	if chunk.Target != "" && chunk.Target != c.device {
		return
	}
	if len(chunk.PCM) > 0 {
		c.enqueue(outbound{kind: websocket.BinaryMessage, payload: chunk.PCM})
	}
}

func (c *client) enqueue(out outbound) {
	select {
	case <-c.done:
	case c.send <- out:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *client) readPump() {
	defer c.gw.wg.Done()
	defer func() {
		c.close()
		c.conn.Close()
		c.log.Info("glasses disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.heartbeat()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", slogError(err))
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			if !c.limiter.Allow() {
				if c.gw.rejected != nil {
					c.gw.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
				}
				c.reject("rate_limited", "too many messages")
				continue
			}
			if err := c.handleText(data); err != nil {
				if c.gw.rejected != nil {
					c.gw.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", protocol.ErrCodeInvalidEvent)))
				}
				c.log.Warn("rejected glasses message", slogError(err))
				c.reject(protocol.ErrCodeInvalidEvent, err.Error())
			}
		case websocket.BinaryMessage:
			c.handleAudio(data)
		}
	}
}

func (c *client) writePump() {
	defer c.gw.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(out.kind, out.payload); err != nil {
				c.log.Warn("websocket write failed", slogError(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleText validates an inbound event and republishes its data on the event subject.
func (c *client) handleText(data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidEvent, err)
	}
	eventType := protocol.EventType(msg.Event)
	if _, err := protocol.DecodeEvent(eventType, msg.Data); err != nil {
		return err
	}
	payload, err := withSession(msg.Data, c.device)
	if err != nil {
		return err
	}
	if err := c.gw.bus.Conn().Publish(protocol.EventSubject(msg.Event), payload); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event, err)
	}
	c.heartbeat()
	return nil
}

// handleAudio turns one binary websocket message of raw PCM into an audio frame.
func (c *client) handleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.seq++
	frame := protocol.AudioFrame{
		SessionID:  c.device,
		Sequence:   c.seq,
		SampleRate: c.gw.audio.SampleRate,
		Channels:   c.gw.audio.Channels,
		PCM:        pcm,
	}
	if err := c.gw.bus.PublishJSON(protocol.SubjectAudioFramePrefix+"."+c.device, frame); err != nil {
		c.log.Warn("failed to publish audio frame", slogError(err))
	}
}

func (c *client) reject(code, message string) {
	data, _ := json.Marshal(map[string]string{"error_code": code, "error_message": message})
	payload, _ := json.Marshal(Message{Event: string(protocol.ActionError), Data: data})
	c.enqueue(outbound{kind: websocket.TextMessage, payload: payload})
}

func (c *client) announce() {
	msg := map[string]any{"device_id": c.device, "timestamp": time.Now().UTC()}
	if err := c.gw.bus.PublishJSON(protocol.SubjectPresenceHello, msg); err != nil {
		c.log.Warn("failed to announce glasses", slogError(err))
	}
}

func (c *client) heartbeat() {
	msg := map[string]any{"device_id": c.device, "timestamp": time.Now().UTC()}
	if err := c.gw.bus.PublishJSON(protocol.SubjectPresenceBeat+"."+c.device, msg); err != nil {
		c.log.Debug("failed to publish heartbeat", slogError(err))
	}
}

// withSession stamps the device id into the payload unless it already names a session.
func withSession(data json.RawMessage, device string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidEvent, err)
	}
	if fields == nil {
		return nil, errors.New("event data must be an object")
	}
	if _, ok := fields["session_id"]; !ok {
		id, _ := json.Marshal(device)
		fields["session_id"] = id
	}
	return json.Marshal(fields)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
