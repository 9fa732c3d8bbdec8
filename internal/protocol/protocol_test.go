package protocol

import (
	"errors"
	"testing"
)

func TestDecodeDoneCommand(t *testing.T) {
	evt, err := DecodeEvent(EventDoneCommand, []byte(`{"command_id":"cmd_001","status":"completed","duration":1.5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done, ok := evt.(DoneCommand)
	if !ok {
		t.Fatalf("expected DoneCommand, got %T", evt)
	}
	if done.CommandID != "cmd_001" || done.Status != "completed" || done.Duration != 1.5 {
		t.Fatalf("unexpected payload: %+v", done)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		typ   EventType
		input string
	}{
		{"bad json", EventReceiveSpeech, `{"speech":`},
		{"empty speech", EventReceiveSpeech, `{"speech":"  "}`},
		{"missing status", EventDoneCommand, `{"command_id":"x"}`},
		{"missing story id", EventDoneStory, `{"duration":3}`},
		{"empty config", EventConfigSend, `{}`},
		{"volume range", EventConfigSend, `{"volume":4}`},
		{"unknown mode", EventModeSet, `{"mode":"disco"}`},
		{"unknown type", EventType("jump"), `{}`},
		{"empty payload", EventDoneStory, ``},
	}
	for _, tc := range cases {
		if _, err := DecodeEvent(tc.typ, []byte(tc.input)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", tc.name, err)
		}
	}
}

func TestDecodeConfigPartial(t *testing.T) {
	evt, err := DecodeEvent(EventConfigSend, []byte(`{"captions":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := evt.(ConfigSend)
	if cfg.Captions == nil || !*cfg.Captions {
		t.Fatalf("expected captions set")
	}
	if cfg.VoiceType != nil || cfg.Volume != nil {
		t.Fatalf("expected untouched fields to stay nil")
	}
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode(" Visual Story ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeVisualStory {
		t.Fatalf("expected visual_story, got %s", mode)
	}
	if _, err := ParseMode("party"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestValidateAction(t *testing.T) {
	ok := Action{Action: ActionPlaySong, Data: map[string]any{"song_title": "Clair de Lune"}}
	if err := ValidateAction(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	missing := Action{Action: ActionPlayVideo, Data: map[string]any{"title": "x"}}
	if err := ValidateAction(missing); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	badMode := Action{Action: ActionChangeMode, Data: map[string]any{"mode": "disco"}}
	if err := ValidateAction(badMode); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for bad mode, got %v", err)
	}
	if err := ValidateAction(Action{Action: "teleport"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for unknown action")
	}
}
