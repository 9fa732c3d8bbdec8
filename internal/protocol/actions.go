package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the assistant's top-level behavioral context.
type Mode string

const (
	ModeConversational Mode = "conversational"
	ModeSheep          Mode = "sheep"
	ModeYouTube        Mode = "youtube"
	ModeVisualStory    Mode = "visual_story"
	ModeZzz            Mode = "zzz"
)

// Modes lists the valid modes in display order.
var Modes = []Mode{ModeConversational, ModeSheep, ModeYouTube, ModeVisualStory, ModeZzz}

// ParseMode normalizes and validates a mode name.
func ParseMode(value string) (Mode, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, m := range Modes {
		if string(m) == normalized {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", value)
}

// ActionType names an outgoing instruction for the glasses.
type ActionType string

const (
	ActionTTS          ActionType = "tts"
	ActionPlaySong     ActionType = "play_song"
	ActionPlayVideo    ActionType = "play_video"
	ActionCreateVisual ActionType = "create_visual"
	ActionChangeMode   ActionType = "change_mode"
	ActionAcknowledge  ActionType = "acknowledge"
	ActionError        ActionType = "error"
	ActionConfigSend   ActionType = "config_send"
)

// Stable error codes carried by error actions.
const (
	ErrCodeSegmentation = "segmentation_fault"
	ErrCodeGeneration   = "generation_failed"
	ErrCodePlayback     = "playback_failed"
	ErrCodeTransmit     = "transmit_failed"
	ErrCodeInvalidAct   = "invalid_action"
	ErrCodeInvalidEvent = "invalid_event"
)

// ErrInvalidAction marks actions that do not satisfy their schema.
var ErrInvalidAction = errors.New("invalid action")

// Action is the envelope handed to the transport boundary.
type Action struct {
	Action    ActionType     `json:"action"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	ActionID  string         `json:"action_id"`
}

var requiredFields = map[ActionType][]string{
	ActionTTS:          {"speech"},
	ActionPlaySong:     {"song_title"},
	ActionPlayVideo:    {"video_url"},
	ActionCreateVisual: {"visual_prompt"},
	ActionChangeMode:   {"mode"},
	ActionAcknowledge:  {"message"},
	ActionError:        {"error_message", "error_code"},
	ActionConfigSend:   {"voice_type", "volume", "captions"},
}

// KnownAction reports whether the action type is part of the outbound contract.
func KnownAction(t ActionType) bool {
	_, ok := requiredFields[t]
	return ok
}

// ValidateAction checks the required-field schema for the action type.
func ValidateAction(a Action) error {
	fields, ok := requiredFields[a.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Action)
	}
	for _, field := range fields {
		value, present := a.Data[field]
		if !present || value == nil {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidAction, a.Action, field)
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s requires non-empty %s", ErrInvalidAction, a.Action, field)
		}
	}
	if a.Action == ActionChangeMode {
		mode, _ := a.Data["mode"].(string)
		if _, err := ParseMode(mode); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
	}
	return nil
}
