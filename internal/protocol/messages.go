package protocol

import "time"

// AudioFrame represents PCM audio data streamed from the glasses microphone.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Text        string    `json:"text"`
	Partial     bool      `json:"partial"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// AudioChunk carries synthesized speech towards the glasses speaker.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	PlaybackID string `json:"playback_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ModeChanged is the notification published whenever the session mode moves.
type ModeChanged struct {
	Mode      string    `json:"mode"`
	Previous  string    `json:"previous"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTTSAudio          = "tts.audio.out"

	SubjectEventPrefix   = "glasses.event"
	SubjectActionPrefix  = "glasses.action"
	SubjectModeChanged   = "glasses.mode_changed"
	SubjectPresenceHello = "glasses.presence.announce"
	SubjectPresenceBeat  = "glasses.presence.heartbeat"
)

// EventSubject returns the inbound subject for an event type.
func EventSubject(eventType string) string {
	return SubjectEventPrefix + "." + eventType
}

// ActionSubject returns the outbound subject for an action type.
func ActionSubject(actionType string) string {
	return SubjectActionPrefix + "." + actionType
}
