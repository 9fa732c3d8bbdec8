// Package presence tracks which glasses are connected from their announce and
// heartbeat messages.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Device is the last known state of one pair of glasses.
type Device struct {
	ID       string    `json:"id"`
	Model    string    `json:"model,omitempty"`
	Firmware string    `json:"firmware,omitempty"`
	Features []string  `json:"features,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

type announceMessage struct {
	DeviceID  string    `json:"device_id"`
	Model     string    `json:"model,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	Features  []string  `json:"features,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.PresenceConfig
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	devices map[string]*Device
	subs    []*nats.Subscription
}

// NewRegistry subscribes to presence subjects when busClient is set and starts the
// liveness sweep.
func NewRegistry(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		now:     time.Now,
		cancel:  cancel,
		devices: make(map[string]*Device),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			cancel()
			return nil, err
		}
	}

	r.wg.Add(1)
	go r.monitor(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

// Healthy reports whether the registry is listening.
func (r *Registry) Healthy() bool {
	if r.bus == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs) == 2
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectPresenceHello, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.SubjectPresenceBeat+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return nil
}

func (r *Registry) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.DeviceID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	r.Announce(Device{
		ID:       announcement.DeviceID,
		Model:    announcement.Model,
		Firmware: announcement.Firmware,
		Features: announcement.Features,
		LastSeen: announcement.Timestamp,
	})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.DeviceID == "" {
		hb.DeviceID = strings.TrimPrefix(msg.Subject, protocol.SubjectPresenceBeat+".")
	}
	r.Heartbeat(hb.DeviceID, hb.Timestamp)
}

// Announce records a device introducing itself.
func (r *Registry) Announce(d Device) {
	if d.LastSeen.IsZero() {
		d.LastSeen = r.now().UTC()
	}
	r.mu.Lock()
	existing, ok := r.devices[d.ID]
	wasOnline := ok && existing.Online
	d.Online = true
	r.devices[d.ID] = &d
	r.mu.Unlock()
	if !wasOnline {
		r.log.Info("glasses online", slog.String("device_id", d.ID), slog.String("model", d.Model))
	}
}

// Heartbeat refreshes a device. Heartbeats from unknown devices register them.
func (r *Registry) Heartbeat(deviceID string, at time.Time) {
	if at.IsZero() {
		at = r.now().UTC()
	}
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		d = &Device{ID: deviceID}
		r.devices[deviceID] = d
	}
	wasOnline := d.Online
	d.LastSeen = at
	d.Online = true
	r.mu.Unlock()
	if !wasOnline {
		r.log.Info("glasses online", slog.String("device_id", deviceID))
	}
}

// Sweep marks devices offline once their heartbeat is older than the timeout.
func (r *Registry) Sweep() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	var lost []string
	r.mu.Lock()
	for id, d := range r.devices {
		if d.Online && now.Sub(d.LastSeen) > timeout {
			d.Online = false
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()
	for _, id := range lost {
		r.log.Warn("glasses heartbeat lost", slog.String("device_id", id))
	}
}

// Online reports whether a device is currently considered connected.
func (r *Registry) Online(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return ok && d.Online
}

// Devices returns copies of every known device ordered by id.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		c := *d
		c.Features = append([]string(nil), d.Features...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/presence")
	gauge, err := meter.Int64ObservableGauge("glasses.presence.endpoints", metric.WithDescription("Number of glasses currently online"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.onlineCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) onlineCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, d := range r.devices {
		if d.Online {
			n++
		}
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
