package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/natsserver"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/nats-io/nats.go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	bus  *bus.Client
	gw   *Gateway
	ws   *websocket.Conn
	msgs chan *nats.Msg
}

func newHarness(t *testing.T, cfg config.GatewayConfig) *harness {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 16)
	for _, subject := range []string{protocol.SubjectEventPrefix + ".>", protocol.SubjectAudioFramePrefix + ".>"} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}

	gw := New(cfg, config.AudioConfig{SampleRate: 16000, Channels: 1}, client, discardLogger())
	httpSrv := httptest.NewServer(gw)
	t.Cleanup(httpSrv.Close)
	t.Cleanup(gw.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/?device_id=glasses-1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for gw.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &harness{bus: client, gw: gw, ws: ws, msgs: msgs}
}

func (h *harness) nextBus(t *testing.T) *nats.Msg {
	t.Helper()
	select {
	case msg := <-h.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published on the bus")
		return nil
	}
}

func (h *harness) nextSocket(t *testing.T) (int, []byte) {
	t.Helper()
	_ = h.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := h.ws.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return kind, data
}

func TestInboundEventsAndAudio(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{DeviceID: "default"})

	if err := h.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"mode_set","data":{"mode":"sheep"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := h.nextBus(t)
	if msg.Subject != "glasses.event.mode_set" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var evt protocol.ModeSet
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Mode != "sheep" || evt.SessionID != "glasses-1" {
		t.Fatalf("unexpected event %s (%v)", msg.Data, err)
	}

	pcm := make([]byte, 640)
	if err := h.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	msg = h.nextBus(t)
	if msg.Subject != "audio.frame.glasses-1" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Sequence != 1 || frame.SampleRate != 16000 || len(frame.PCM) != 640 {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestInvalidEventIsRejectedLocally(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})

	if err := h.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"done_command","data":{"status":"ok"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	kind, data := h.nextSocket(t)
	if kind != websocket.TextMessage {
		t.Fatalf("expected text reply, got %d", kind)
	}
	var reply struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Event != "error" || reply.Data["error_code"] != protocol.ErrCodeInvalidEvent {
		t.Fatalf("unexpected reply %s", data)
	}
	select {
	case msg := <-h.msgs:
		t.Fatalf("invalid event reached the bus: %s", msg.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutboundActionsAndSpeech(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})

	if err := h.bus.PublishJSON(protocol.ActionSubject("tts"), map[string]any{"action": "tts", "data": map[string]any{"speech": "hi"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	kind, data := h.nextSocket(t)
	var msg Message
	if kind != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Event != "tts" {
		t.Fatalf("unexpected action frame %s", data)
	}

	chunk := protocol.AudioChunk{SessionID: "glasses-1", PlaybackID: "pb", PCM: []byte{1, 2, 3, 4}}
	if err := h.bus.PublishJSON(protocol.SubjectTTSAudio, chunk); err != nil {
		t.Fatalf("publish audio: %v", err)
	}
	kind, data = h.nextSocket(t)
	if kind != websocket.BinaryMessage || len(data) != 4 {
		t.Fatalf("expected raw pcm, got kind=%d len=%d", kind, len(data))
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{MessagesPerSecond: 0.001, Burst: 1})

	valid := []byte(`{"event":"mode_set","data":{"mode":"zzz"}}`)
	for i := 0; i < 2; i++ {
		if err := h.ws.WriteMessage(websocket.TextMessage, valid); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	h.nextBus(t)
	_, data := h.nextSocket(t)
	if !strings.Contains(string(data), "rate_limited") {
		t.Fatalf("expected rate limit rejection, got %s", data)
	}
}
