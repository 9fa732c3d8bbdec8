package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedGenerator struct {
	content string
	err     error
	last    Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.last = req
	if g.err != nil {
		return g.err
	}
	// Split across chunks to exercise accumulation.
	half := len(g.content) / 2
	if err := consumer(Chunk{SessionID: req.SessionID, Content: g.content[:half], Partial: true}); err != nil {
		return err
	}
	return consumer(Chunk{SessionID: req.SessionID, Content: g.content[half:]})
}

func TestParseReply(t *testing.T) {
	reply := ParseReply("```json\n{\"speech\": \" Here you go. \", \"actions\": [{\"action\": \"play_song\", \"data\": {\"song_title\": \"Blue\"}}]}\n```")
	if reply.Speech != "Here you go." {
		t.Fatalf("unexpected speech %q", reply.Speech)
	}
	if len(reply.Directives) != 1 || reply.Directives[0].Action != "play_song" || reply.Directives[0].Data["song_title"] != "Blue" {
		t.Fatalf("unexpected directives %+v", reply.Directives)
	}

	plain := ParseReply("  Just some words.  ")
	if plain.Speech != "Just some words." || len(plain.Directives) != 0 {
		t.Fatalf("unexpected plain reply %+v", plain)
	}

	broken := ParseReply(`{"speech": "unterminated`)
	if broken.Speech != `{"speech": "unterminated` {
		t.Fatalf("expected malformed json to be spoken verbatim, got %q", broken.Speech)
	}
}

func TestTruncateWords(t *testing.T) {
	if got, cut := TruncateWords("one two three", 5); cut || got != "one two three" {
		t.Fatalf("unexpected truncation %q %v", got, cut)
	}
	if got, cut := TruncateWords("one two three, four five", 3); !cut || got != "one two three..." {
		t.Fatalf("unexpected truncation %q %v", got, cut)
	}
	if got, cut := TruncateWords("anything goes", 0); cut || got != "anything goes" {
		t.Fatal("expected zero limit to disable truncation")
	}
}

func TestRespondEnforcesBudget(t *testing.T) {
	r := NewResponder(config.LLMConfig{TimeoutMS: 1000}, NewMockGeneratorWithDelay(time.Millisecond), discardLogger())
	reply, err := r.Respond(context.Background(), "s1", Prompt{
		Transcript: "tell me a story about the ocean",
		Category:   "story",
		Budget:     40,
		Mode:       "conversational",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	words := strings.Fields(reply.Speech)
	if len(words) != 40 {
		t.Fatalf("expected speech cut to 40 words, got %d", len(words))
	}
	if !strings.HasSuffix(reply.Speech, "...") {
		t.Fatalf("expected truncation marker, got %q", reply.Speech)
	}
	if !strings.Contains(reply.Speech, "the ocean") {
		t.Fatalf("expected story about the topic, got %q", reply.Speech)
	}
}

func TestRespondPassesRequestContext(t *testing.T) {
	gen := &scriptedGenerator{content: `{"speech":"Sure.","actions":[{"action":"change_mode","data":{"mode":"sheep"}}]}`}
	r := NewResponder(config.LLMConfig{DefaultTier: "fast", Temperature: 0.3}, gen, discardLogger())
	reply, err := r.Respond(context.Background(), "s1", Prompt{
		Transcript: "switch to sheep mode",
		Category:   "action",
		Budget:     20,
		Mode:       "conversational",
		History:    []string{"user: hi", "assistant: hello"},
		Stats:      "stories=1",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Speech != "Sure." || len(reply.Directives) != 1 || reply.Directives[0].Data["mode"] != "sheep" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	req := gen.last
	if req.MaxTokens != 20 || req.Tier != "fast" || req.Transcript != "switch to sheep mode" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.Prompt, "assistant: hello") || !strings.Contains(req.Prompt, "stories=1") {
		t.Fatalf("expected history and stats in prompt, got %q", req.Prompt)
	}
	if !strings.Contains(req.System, "under 20 words") {
		t.Fatalf("expected budget in system prompt, got %q", req.System)
	}
}

func TestRespondReportsGenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("backend down")}
	r := NewResponder(config.LLMConfig{}, gen, discardLogger())
	if _, err := r.Respond(context.Background(), "s1", Prompt{Transcript: "hello", Budget: 10}); err == nil {
		t.Fatal("expected generation error")
	}

	slow := NewResponder(config.LLMConfig{TimeoutMS: 10}, NewMockGeneratorWithDelay(time.Second), discardLogger())
	_, err := slow.Respond(context.Background(), "s1", Prompt{Transcript: "hello", Budget: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestMockRouting(t *testing.T) {
	gen := NewMockGeneratorWithDelay(0)
	cases := []struct {
		req    Request
		action string
		speech string
	}{
		{Request{Transcript: "switch to sheep mode"}, "change_mode", "Switching to sheep mode."},
		{Request{Transcript: "play music"}, "play_song", ""},
		{Request{Transcript: "show me a picture of a cat"}, "create_visual", ""},
		{Request{Event: "done_story"}, "", "Story finished! What would you like to do next?"},
		{Request{Transcript: "how are you", Mode: "zzz"}, "", "Shh, I'm resting. Say wake up when you need me."},
	}
	for _, tc := range cases {
		var content string
		if err := gen.Generate(context.Background(), tc.req, func(c Chunk) error {
			content += c.Content
			return nil
		}); err != nil {
			t.Fatalf("generate: %v", err)
		}
		reply := ParseReply(content)
		if tc.speech != "" && reply.Speech != tc.speech {
			t.Fatalf("%+v: unexpected speech %q", tc.req, reply.Speech)
		}
		if tc.action == "" && len(reply.Directives) != 0 {
			t.Fatalf("%+v: unexpected directives %+v", tc.req, reply.Directives)
		}
		if tc.action != "" && (len(reply.Directives) != 1 || reply.Directives[0].Action != tc.action) {
			t.Fatalf("%+v: expected %s directive, got %+v", tc.req, tc.action, reply.Directives)
		}
	}
}
