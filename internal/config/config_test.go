package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.VAD.EnergyThreshold != 50 || cfg.VAD.PreBufferMS != 300 || cfg.VAD.SilenceDurationMS != 700 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.VAD)
	}
	if cfg.Classifier.Budgets.Story != 500 || cfg.Classifier.Budgets.Action != 50 {
		t.Fatalf("unexpected budgets: %+v", cfg.Classifier.Budgets)
	}
	if cfg.Session.InitialMode != "conversational" {
		t.Fatalf("expected conversational initial mode, got %s", cfg.Session.InitialMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_VAD_AGGRESSIVENESS", "1")
	t.Setenv("LOQA_VAD_ENERGY_THRESHOLD", "80.5")
	t.Setenv("LOQA_INTERRUPT_CUES", "stop, wait")
	t.Setenv("LOQA_SESSION_INITIAL_MODE", "sheep")
	t.Setenv("LOQA_LLM_MODE", "ollama")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.VAD.Aggressiveness != 1 || cfg.VAD.EnergyThreshold != 80.5 {
		t.Fatalf("expected vad overrides, got %+v", cfg.VAD)
	}
	if len(cfg.Interrupt.Cues) != 2 || cfg.Interrupt.Cues[1] != "wait" {
		t.Fatalf("expected cue override, got %v", cfg.Interrupt.Cues)
	}
	if cfg.Session.InitialMode != "sheep" {
		t.Fatalf("expected initial mode override")
	}
	if cfg.LLM.Mode != "ollama" {
		t.Fatalf("expected llm mode override")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glasses.yaml")
	body := []byte("vad:\n  start_frames: 5\nsession:\n  history_size: 20\n  context_size: 4\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VAD.StartFrames != 5 {
		t.Fatalf("expected start_frames 5, got %d", cfg.VAD.StartFrames)
	}
	if cfg.VAD.SilenceDurationMS != 700 {
		t.Fatalf("expected untouched default silence duration")
	}
	if cfg.Session.HistorySize != 20 || cfg.Session.ContextSize != 4 {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"aggressiveness", func(c *Config) { c.VAD.Aggressiveness = 4 }},
		{"frame duration", func(c *Config) { c.Audio.FrameDurationMS = 25 }},
		{"file source", func(c *Config) { c.Audio.Source = "file" }},
		{"initial mode", func(c *Config) { c.Session.InitialMode = "disco" }},
		{"context size", func(c *Config) { c.Session.ContextSize = 100 }},
		{"budget", func(c *Config) { c.Classifier.Budgets.Story = 0 }},
		{"profile mode", func(c *Config) { c.Classifier.ModeProfiles["disco"] = ModeProfile{} }},
		{"llm exec", func(c *Config) { c.LLM.Mode = "exec" }},
		{"no cues", func(c *Config) { c.Interrupt.Cues = nil }},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
