package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent marks inbound payloads that are malformed or fail validation.
var ErrInvalidEvent = errors.New("invalid inbound event")

// EventType names an inbound message from the glasses.
type EventType string

const (
	EventReceiveSpeech EventType = "receive_speech"
	EventDoneCommand   EventType = "done_command"
	EventDoneStory     EventType = "done_story"
	EventConfigSend    EventType = "config_send"
	EventModeSet       EventType = "mode_set"
)

// EventTypes lists every inbound event the core consumes.
var EventTypes = []EventType{EventReceiveSpeech, EventDoneCommand, EventDoneStory, EventConfigSend, EventModeSet}

// ReceiveSpeech carries recognized speech (or raw text) from the glasses.
type ReceiveSpeech struct {
	SessionID  string  `json:"session_id,omitempty"`
	Speech     string  `json:"speech"`
	Confidence float64 `json:"confidence,omitempty"`
	Mode       string  `json:"mode,omitempty"`
}

// DoneCommand reports completion of a previously dispatched command.
type DoneCommand struct {
	SessionID string  `json:"session_id,omitempty"`
	CommandID string  `json:"command_id"`
	Status    string  `json:"status"`
	Duration  float64 `json:"duration,omitempty"`
}

// DoneStory reports that a story or visual finished rendering.
type DoneStory struct {
	SessionID string  `json:"session_id,omitempty"`
	StoryID   string  `json:"story_id"`
	Duration  float64 `json:"duration,omitempty"`
}

// ConfigSend updates one or more output preferences. Nil fields are left unchanged.
type ConfigSend struct {
	SessionID string   `json:"session_id,omitempty"`
	VoiceType *string  `json:"voice_type,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	Captions  *bool    `json:"captions,omitempty"`
}

// ModeSet is an external request to switch the assistant mode.
type ModeSet struct {
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode"`
}

// DecodeEvent parses and validates an inbound payload. The returned value is one of
// ReceiveSpeech, DoneCommand, DoneStory, ConfigSend or ModeSet.
func DecodeEvent(eventType EventType, data []byte) (any, error) {
	switch eventType {
	case EventReceiveSpeech:
		var evt ReceiveSpeech
		if err := decodeStrict(data, &evt); err != nil {
			return nil, err
		}
		if strings.TrimSpace(evt.Speech) == "" {
			return nil, fmt.Errorf("%w: receive_speech requires speech", ErrInvalidEvent)
		}
		if evt.Confidence < 0 || evt.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence must be within 0..1", ErrInvalidEvent)
		}
		if evt.Mode != "" {
			if _, err := ParseMode(evt.Mode); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
			}
		}
		return evt, nil
	case EventDoneCommand:
		var evt DoneCommand
		if err := decodeStrict(data, &evt); err != nil {
			return nil, err
		}
		if evt.CommandID == "" || evt.Status == "" {
			return nil, fmt.Errorf("%w: done_command requires command_id and status", ErrInvalidEvent)
		}
		if evt.Duration < 0 {
			return nil, fmt.Errorf("%w: duration must be >= 0", ErrInvalidEvent)
		}
		return evt, nil
	case EventDoneStory:
		var evt DoneStory
		if err := decodeStrict(data, &evt); err != nil {
			return nil, err
		}
		if evt.StoryID == "" {
			return nil, fmt.Errorf("%w: done_story requires story_id", ErrInvalidEvent)
		}
		if evt.Duration < 0 {
			return nil, fmt.Errorf("%w: duration must be >= 0", ErrInvalidEvent)
		}
		return evt, nil
	case EventConfigSend:
		var evt ConfigSend
		if err := decodeStrict(data, &evt); err != nil {
			return nil, err
		}
		if evt.VoiceType == nil && evt.Volume == nil && evt.Captions == nil {
			return nil, fmt.Errorf("%w: config_send carries no settings", ErrInvalidEvent)
		}
		if evt.VoiceType != nil && strings.TrimSpace(*evt.VoiceType) == "" {
			return nil, fmt.Errorf("%w: voice_type must not be empty", ErrInvalidEvent)
		}
		if evt.Volume != nil && (*evt.Volume < 0 || *evt.Volume > 1) {
			return nil, fmt.Errorf("%w: volume must be within 0..1", ErrInvalidEvent)
		}
		return evt, nil
	case EventModeSet:
		var evt ModeSet
		if err := decodeStrict(data, &evt); err != nil {
			return nil, err
		}
		if _, err := ParseMode(evt.Mode); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return evt, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
}

func decodeStrict(data []byte, target any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
