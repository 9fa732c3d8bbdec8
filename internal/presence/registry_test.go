package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/natsserver"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeartbeatTimeoutMarksOffline(t *testing.T) {
	r, err := NewRegistry(context.Background(), config.PresenceConfig{Enabled: true, HeartbeatTimeout: 6000}, nil, discardLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Announce(Device{ID: "glasses-1", Model: "frame", Features: []string{"camera"}})
	r.Heartbeat("glasses-2", time.Time{})
	if !r.Online("glasses-1") || !r.Online("glasses-2") {
		t.Fatal("expected both devices online")
	}

	now = now.Add(4 * time.Second)
	r.Heartbeat("glasses-2", time.Time{})
	now = now.Add(3 * time.Second)
	r.Sweep()
	if r.Online("glasses-1") {
		t.Fatal("expected silent device to go offline")
	}
	if !r.Online("glasses-2") {
		t.Fatal("expected device with a recent heartbeat to stay online")
	}

	devices := r.Devices()
	if len(devices) != 2 || devices[0].ID != "glasses-1" || devices[0].Model != "frame" {
		t.Fatalf("unexpected devices %+v", devices)
	}
	devices[0].Features[0] = "mutated"
	if r.Devices()[0].Features[0] != "camera" {
		t.Fatal("expected Devices to return copies")
	}
}

func TestRegistryListensOnBus(t *testing.T) {
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

	r, err := NewRegistry(context.Background(), config.PresenceConfig{Enabled: true, HeartbeatTimeout: 6000}, client, discardLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()
	if !r.Healthy() {
		t.Fatal("expected registry to be subscribed")
	}

	hello, _ := json.Marshal(announceMessage{DeviceID: "glasses-7", Model: "frame"})
	if err := client.Conn().Publish(protocol.SubjectPresenceHello, hello); err != nil {
		t.Fatalf("publish announce: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectPresenceBeat+".glasses-8", []byte(`{}`)); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !(r.Online("glasses-7") && r.Online("glasses-8")) {
		if time.Now().After(deadline) {
			t.Fatalf("devices not registered: %+v", r.Devices())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
