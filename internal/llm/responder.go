package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/config"
)

// Prompt is everything the responder needs to ask for one reply.
type Prompt struct {
	Transcript string
	Category   string
	Budget     int
	Mode       string
	Event      string
	History    []string
	Stats      string
}

// Responder turns a prompt into a structured Reply and enforces the length budget.
type Responder struct {
	cfg       config.LLMConfig
	generator Generator
	log       *slog.Logger
}

func NewResponder(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Responder {
	return &Responder{
		cfg:       cfg,
		generator: generator,
		log:       logger.With(slog.String("component", "llm")),
	}
}

const systemPrompt = `You are the voice assistant inside a pair of smart glasses.
Answer with a single JSON object: {"speech": "<what to say aloud>", "actions": [{"action": "<type>", "data": {...}}]}.
Action types: play_song {song_title}, play_video {video_url, title}, create_visual {visual_prompt, style}, change_mode {mode}.
Modes: conversational, sheep, youtube, visual_story, zzz.
Keep speech under %d words. Response category: %s. Current mode: %s.`

// Respond generates a reply. The budget is passed to the backend as a hard token
// cap and the speech is additionally cut to the budget in words.
func (r *Responder) Respond(ctx context.Context, sessionID string, p Prompt) (Reply, error) {
	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req := Request{
		SessionID:   sessionID,
		Prompt:      buildPrompt(p),
		Transcript:  p.Transcript,
		System:      fmt.Sprintf(systemPrompt, p.Budget, p.Category, p.Mode),
		Tier:        tierFor(p.Category, r.cfg.DefaultTier),
		MaxTokens:   p.Budget,
		Temperature: r.cfg.Temperature,
		Category:    p.Category,
		Mode:        p.Mode,
		Event:       p.Event,
		History:     p.History,
	}

	var b strings.Builder
	start := time.Now()
	err := r.generator.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("generate: %w", err)
	}

	reply := ParseReply(b.String())
	if cut, truncated := TruncateWords(reply.Speech, p.Budget); truncated {
		r.log.Debug("reply exceeded budget, truncated",
			slog.String("session_id", sessionID),
			slog.Int("budget", p.Budget))
		reply.Speech = cut
	}
	r.log.Debug("reply generated",
		slog.String("session_id", sessionID),
		slog.String("category", p.Category),
		slog.Int("directives", len(reply.Directives)),
		slog.Duration("latency", time.Since(start)))
	return reply, nil
}

func tierFor(category, fallback string) string {
	switch category {
	case "action", "conversation":
		return "fast"
	case "story", "explanation":
		return "balanced"
	}
	return fallback
}

func buildPrompt(p Prompt) string {
	var b strings.Builder
	if len(p.History) > 0 {
		b.WriteString("Recent activity:\n")
		for _, h := range p.History {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}
	if p.Stats != "" {
		b.WriteString("Session: ")
		b.WriteString(p.Stats)
		b.WriteByte('\n')
	}
	switch p.Event {
	case "":
		b.WriteString("User said: ")
		b.WriteString(p.Transcript)
	default:
		b.WriteString("Event: ")
		b.WriteString(p.Event)
		if p.Transcript != "" {
			b.WriteString(" (")
			b.WriteString(p.Transcript)
			b.WriteString(")")
		}
	}
	return b.String()
}
