package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	PrometheusBind string  `yaml:"prometheus_bind"`
	SampleRatio    float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	VAD         VADConfig        `yaml:"vad"`
	Interrupt   InterruptConfig  `yaml:"interrupt"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Presence    PresenceConfig   `yaml:"presence"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes the microphone stream consumed by the segmenter.
type AudioConfig struct {
	Source          string `yaml:"source"` // bus, file
	File            string `yaml:"file"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	QueueSize       int    `yaml:"queue_size"`
}

type VADConfig struct {
	Aggressiveness    int     `yaml:"aggressiveness"`
	EnergyThreshold   float64 `yaml:"energy_threshold"`
	StartFrames       int     `yaml:"start_frames"`
	PreBufferMS       int     `yaml:"pre_buffer_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
	MinUtteranceMS    int     `yaml:"min_utterance_ms"`
}

type InterruptConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Cues           []string `yaml:"cues"`
	CueWindow      int      `yaml:"cue_window"`
	PartialEveryMS int      `yaml:"partial_every_ms"`
	MaxSpeechMS    int      `yaml:"max_speech_ms"`
	BufferFrames   int      `yaml:"buffer_frames"`
}

type Budgets struct {
	Story        int `yaml:"story"`
	Explanation  int `yaml:"explanation"`
	Conversation int `yaml:"conversation"`
	Action       int `yaml:"action"`
}

// ModeProfile overrides classification defaults while a mode is active.
type ModeProfile struct {
	Budgets         Budgets `yaml:"budgets"`
	DefaultCategory string  `yaml:"default_category"`
}

type ClassifierConfig struct {
	Budgets      Budgets                `yaml:"budgets"`
	ZzzBudget    int                    `yaml:"zzz_budget"`
	ActionVerbs  []string               `yaml:"action_verbs"`
	ModeProfiles map[string]ModeProfile `yaml:"mode_profiles"`
}

type SessionConfig struct {
	InitialMode  string   `yaml:"initial_mode"`
	HistorySize  int      `yaml:"history_size"`
	ContextSize  int      `yaml:"context_size"`
	WakeCues     []string `yaml:"wake_cues"`
	DefaultVoice string   `yaml:"default_voice"`
	Volume       float64  `yaml:"volume"`
	Captions     bool     `yaml:"captions"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PlaybackConfig struct {
	Target         string `yaml:"target"` // device id; empty sends to every connected device
	AckMessage     string `yaml:"ack_message"`
	TickMS         int    `yaml:"tick_ms"`
	SynthTimeoutMS int    `yaml:"synth_timeout_ms"`
	RecentCancelMS int    `yaml:"recent_cancel_ms"`
}

type DispatchConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

type PresenceConfig struct {
	Enabled          bool `yaml:"enabled"`
	HeartbeatTimeout int  `yaml:"heartbeat_timeout_ms"`
}

type GatewayConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Path              string  `yaml:"path"`
	DeviceID          string  `yaml:"device_id"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultCues is the interruption cue-word set.
var DefaultCues = []string{"sorry", "stop", "wait", "pause", "hold", "cancel", "nevermind", "enough", "hey", "hi"}

func Default() Config {
	return Config{
		RuntimeName: "loqa-glasses",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			SampleRatio:    1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/glasses-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Source:          "bus",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 30,
			QueueSize:       8,
		},
		VAD: VADConfig{
			Aggressiveness:    3,
			EnergyThreshold:   50,
			StartFrames:       3,
			PreBufferMS:       300,
			SilenceDurationMS: 700,
			MinUtteranceMS:    200,
		},
		Interrupt: InterruptConfig{
			Enabled:        true,
			Cues:           append([]string(nil), DefaultCues...),
			CueWindow:      2,
			PartialEveryMS: 300,
			MaxSpeechMS:    3000,
			BufferFrames:   64,
		},
		Classifier: ClassifierConfig{
			Budgets: Budgets{
				Story:        500,
				Explanation:  300,
				Conversation: 150,
				Action:       50,
			},
			ZzzBudget: 30,
			ModeProfiles: map[string]ModeProfile{
				"sheep":        {Budgets: Budgets{Story: 300, Explanation: 150, Conversation: 80}, DefaultCategory: "story"},
				"youtube":      {Budgets: Budgets{Conversation: 100}},
				"visual_story": {DefaultCategory: "story"},
			},
		},
		Session: SessionConfig{
			InitialMode:  "conversational",
			HistorySize:  50,
			ContextSize:  10,
			WakeCues:     []string{"wake up", "good morning", "i'm awake", "wake"},
			DefaultVoice: "Arista-PlayAI",
			Volume:       1.0,
			Captions:     false,
		},
		STT: STTConfig{
			Enabled:   true,
			Mode:      "mock",
			Language:  "en",
			TimeoutMS: 45000,
		},
		LLM: LLMConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			Temperature:   0.7,
			TimeoutMS:     60000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Playback: PlaybackConfig{
			Target:         "",
			AckMessage:     "Okay.",
			TickMS:         20,
			SynthTimeoutMS: 45000,
			RecentCancelMS: 3000,
		},
		Dispatch: DispatchConfig{
			TimeoutMS: 2000,
		},
		Presence: PresenceConfig{
			Enabled:          true,
			HeartbeatTimeout: 6000,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Path:              "/ws",
			DeviceID:          "glasses-1",
			MessagesPerSecond: 20,
			Burst:             40,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.SampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.VAD.Aggressiveness, "LOQA_VAD_AGGRESSIVENESS")
	overrideFloat(&cfg.VAD.EnergyThreshold, "LOQA_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.VAD.StartFrames, "LOQA_VAD_START_FRAMES")
	overrideInt(&cfg.VAD.PreBufferMS, "LOQA_VAD_PRE_BUFFER_MS")
	overrideInt(&cfg.VAD.SilenceDurationMS, "LOQA_VAD_SILENCE_DURATION_MS")
	overrideInt(&cfg.VAD.MinUtteranceMS, "LOQA_VAD_MIN_UTTERANCE_MS")
	overrideBool(&cfg.Interrupt.Enabled, "LOQA_INTERRUPT_ENABLED")
	overrideStringSlice(&cfg.Interrupt.Cues, "LOQA_INTERRUPT_CUES")
	overrideInt(&cfg.Interrupt.PartialEveryMS, "LOQA_INTERRUPT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Classifier.Budgets.Story, "LOQA_CLASSIFIER_BUDGET_STORY")
	overrideInt(&cfg.Classifier.Budgets.Explanation, "LOQA_CLASSIFIER_BUDGET_EXPLANATION")
	overrideInt(&cfg.Classifier.Budgets.Conversation, "LOQA_CLASSIFIER_BUDGET_CONVERSATION")
	overrideInt(&cfg.Classifier.Budgets.Action, "LOQA_CLASSIFIER_BUDGET_ACTION")
	overrideInt(&cfg.Classifier.ZzzBudget, "LOQA_CLASSIFIER_ZZZ_BUDGET")
	overrideString(&cfg.Session.InitialMode, "LOQA_SESSION_INITIAL_MODE")
	overrideInt(&cfg.Session.HistorySize, "LOQA_SESSION_HISTORY_SIZE")
	overrideInt(&cfg.Session.ContextSize, "LOQA_SESSION_CONTEXT_SIZE")
	overrideString(&cfg.Session.DefaultVoice, "LOQA_SESSION_DEFAULT_VOICE")
	overrideFloat(&cfg.Session.Volume, "LOQA_SESSION_VOLUME")
	overrideBool(&cfg.Session.Captions, "LOQA_SESSION_CAPTIONS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.Playback.Target, "LOQA_PLAYBACK_TARGET")
	overrideString(&cfg.Playback.AckMessage, "LOQA_PLAYBACK_ACK_MESSAGE")
	overrideInt(&cfg.Dispatch.TimeoutMS, "LOQA_DISPATCH_TIMEOUT_MS")
	overrideBool(&cfg.Presence.Enabled, "LOQA_PRESENCE_ENABLED")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "LOQA_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideString(&cfg.Gateway.DeviceID, "LOQA_GATEWAY_DEVICE_ID")
	overrideFloat(&cfg.Gateway.MessagesPerSecond, "LOQA_GATEWAY_MESSAGES_PER_SECOND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Audio.Source {
	case "bus":
	case "file":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when source=file")
		}
	default:
		return errors.New("audio.source must be one of bus|file")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	switch cfg.Audio.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("audio.frame_duration_ms must be one of 10|20|30")
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		return errors.New("vad.aggressiveness must be between 0 and 3")
	}
	if cfg.VAD.EnergyThreshold < 0 {
		return errors.New("vad.energy_threshold must be >= 0")
	}
	if cfg.VAD.StartFrames <= 0 {
		return errors.New("vad.start_frames must be >= 1")
	}
	if cfg.VAD.PreBufferMS < 0 {
		return errors.New("vad.pre_buffer_ms must be >= 0")
	}
	if cfg.VAD.SilenceDurationMS <= 0 {
		return errors.New("vad.silence_duration_ms must be positive")
	}
	if cfg.VAD.MinUtteranceMS < 0 {
		return errors.New("vad.min_utterance_ms must be >= 0")
	}
	if cfg.Interrupt.Enabled {
		if len(cfg.Interrupt.Cues) == 0 {
			return errors.New("interrupt.cues must not be empty when interruption is enabled")
		}
		if cfg.Interrupt.CueWindow <= 0 {
			return errors.New("interrupt.cue_window must be >= 1")
		}
		if cfg.Interrupt.PartialEveryMS <= 0 {
			return errors.New("interrupt.partial_every_ms must be positive")
		}
	}
	b := cfg.Classifier.Budgets
	if b.Story <= 0 || b.Explanation <= 0 || b.Conversation <= 0 || b.Action <= 0 {
		return errors.New("classifier.budgets must all be positive")
	}
	if cfg.Classifier.ZzzBudget <= 0 {
		return errors.New("classifier.zzz_budget must be positive")
	}
	for mode := range cfg.Classifier.ModeProfiles {
		if !validMode(mode) {
			return fmt.Errorf("classifier.mode_profiles has unknown mode %q", mode)
		}
	}
	if !validMode(cfg.Session.InitialMode) {
		return fmt.Errorf("session.initial_mode %q is not a known mode", cfg.Session.InitialMode)
	}
	if cfg.Session.HistorySize <= 0 {
		return errors.New("session.history_size must be >= 1")
	}
	if cfg.Session.ContextSize <= 0 || cfg.Session.ContextSize > cfg.Session.HistorySize {
		return errors.New("session.context_size must be between 1 and session.history_size")
	}
	if cfg.Session.Volume < 0 || cfg.Session.Volume > 1 {
		return errors.New("session.volume must be within 0..1")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.ChunkDurationMS <= 0 {
			return errors.New("tts.chunk_duration_ms must be positive")
		}
	}
	if cfg.Playback.TickMS <= 0 {
		return errors.New("playback.tick_ms must be positive")
	}
	if cfg.Dispatch.TimeoutMS <= 0 {
		return errors.New("dispatch.timeout_ms must be positive")
	}
	if cfg.Presence.Enabled && cfg.Presence.HeartbeatTimeout <= 0 {
		return errors.New("presence.heartbeat_timeout_ms must be positive")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.MessagesPerSecond > 0 && cfg.Gateway.Burst <= 0 {
		return errors.New("gateway.burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	return nil
}

func validMode(mode string) bool {
	switch mode {
	case "conversational", "sheep", "youtube", "visual_story", "zzz":
		return true
	}
	return false
}
