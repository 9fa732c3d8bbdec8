package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// mockGenerator routes on keywords and answers in the JSON reply format so the
// whole pipeline can run without a model.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

// NewMockGeneratorWithDelay lets tests simulate a slow backend.
func NewMockGeneratorWithDelay(delay time.Duration) Generator {
	return &mockGenerator{delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	reply := mockReply(req)
	content, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   string(content),
		Partial:   false,
		Latency:   m.delay,
		TraceID:   req.TraceID,
	})
}

var modeWords = []struct {
	phrase string
	mode   string
}{
	{"visual story mode", "visual_story"},
	{"conversational mode", "conversational"},
	{"conversation mode", "conversational"},
	{"sheep mode", "sheep"},
	{"youtube mode", "youtube"},
	{"sleep mode", "zzz"},
	{"zzz mode", "zzz"},
}

func mockReply(req Request) Reply {
	switch req.Event {
	case "done_story":
		return Reply{Speech: "Story finished! What would you like to do next?"}
	case "done_command":
		return Reply{Speech: "Sorry, that didn't work. Want me to try something else?"}
	}

	text := strings.TrimSpace(req.Transcript)
	if text == "" {
		text = strings.TrimSpace(req.Prompt)
	}
	lower := strings.ToLower(text)

	for _, m := range modeWords {
		if strings.Contains(lower, m.phrase) {
			return Reply{
				Speech:     fmt.Sprintf("Switching to %s mode.", strings.ReplaceAll(m.mode, "_", " ")),
				Directives: []Directive{{Action: "change_mode", Data: map[string]any{"mode": m.mode}}},
			}
		}
	}

	if req.Mode == "zzz" {
		return Reply{Speech: "Shh, I'm resting. Say wake up when you need me."}
	}

	switch {
	case strings.Contains(lower, "play music") || strings.Contains(lower, "song"):
		return Reply{Directives: []Directive{{Action: "play_song", Data: map[string]any{"song_title": songTitle(text)}}}}
	case strings.Contains(lower, "video") || strings.Contains(lower, "watch"):
		return Reply{Directives: []Directive{{Action: "play_video", Data: map[string]any{"video_url": "https://example.com/video", "title": text}}}}
	case strings.Contains(lower, "picture") || strings.Contains(lower, "visual"):
		return Reply{Directives: []Directive{{Action: "create_visual", Data: map[string]any{"visual_prompt": text, "style": "storybook"}}}}
	}

	switch req.Category {
	case "story":
		return Reply{Speech: mockStory(topic(lower), req.MaxTokens)}
	case "explanation":
		return Reply{Speech: fmt.Sprintf("Here's the short version about %s. It's a big topic, so ask me to go deeper on any part.", topic(lower))}
	}
	return Reply{Speech: cannedResponse(text, lower)}
}

func songTitle(text string) string {
	lower := strings.ToLower(text)
	if idx := strings.Index(lower, "play "); idx >= 0 {
		title := strings.TrimSpace(text[idx+len("play "):])
		title = strings.TrimSuffix(strings.TrimSuffix(title, " song"), " music")
		if title != "" && !strings.EqualFold(title, "music") && !strings.EqualFold(title, "a song") {
			return title
		}
	}
	return "Default Song"
}

func topic(lower string) string {
	for _, marker := range []string{" about ", "explain ", "what is ", "what are ", "how does ", "how do "} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			t := strings.Trim(strings.TrimSpace(lower[idx+len(marker):]), "?.!")
			if t != "" {
				return t
			}
		}
	}
	return "a faraway place"
}

var storySentences = []string{
	"Once upon a time, far beyond the hills, there was a story about %s.",
	"Every morning the light rolled in softly and everything about %s seemed new again.",
	"A small fox who loved %s set out to learn every secret it kept.",
	"The fox met a wise old turtle who had watched %s for a hundred years.",
	"Together they followed the path until the sky turned gold.",
	"When night came, the stars told the rest of the tale, and the fox listened closely.",
}

func mockStory(subject string, budget int) string {
	if budget <= 0 {
		budget = 100
	}
	var b strings.Builder
	words := 0
	for i := 0; words < budget; i++ {
		sentence := storySentences[i%len(storySentences)]
		if strings.Contains(sentence, "%s") {
			sentence = fmt.Sprintf(sentence, subject)
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentence)
		words += len(strings.Fields(sentence))
	}
	return b.String()
}

func cannedResponse(text, lower string) string {
	switch {
	case containsAny(lower, "what can you do", "help me with", "your capabilities"):
		return "I can answer questions, tell stories, play music and videos, or just chat. What would you like?"
	case containsAny(lower, "how are you", "how do you feel", "are you well"):
		return "I'm doing well, thanks for asking! How about you?"
	case containsAny(lower, "thank you", "thanks", "appreciate it"):
		return "You're welcome! Is there anything else I can help with?"
	case containsAny(lower, "goodbye", "bye", "see you", "talk to you later"):
		return "Goodbye! Feel free to chat again anytime."
	case strings.Contains(lower, "weather"):
		return "I don't have real-time weather data, but I'd be happy to discuss other topics!"
	case strings.Contains(lower, "time"):
		return "I don't have access to the current time, but I'm still here to help with other questions!"
	case containsAny(lower, "hello", "hi", "hey", "greetings"):
		return "Hello there! How can I assist you today?"
	}
	return fmt.Sprintf("I heard you say: '%s'. How can I help with that?", text)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
