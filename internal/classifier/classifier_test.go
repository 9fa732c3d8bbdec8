package classifier

import (
	"testing"

	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(config.Default().Classifier)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func TestClassifyDefaults(t *testing.T) {
	c := defaultClassifier(t)
	cases := []struct {
		text     string
		category Category
		budget   int
	}{
		{"tell me a story about the ocean", Story, 500},
		{"Once upon a time there was a fox", Story, 500},
		{"Explain how rainbows form", Explanation, 300},
		{"what is photosynthesis?", Explanation, 300},
		{"How does a jet engine work", Explanation, 300},
		{"tell me about Saturn", Explanation, 300},
		{"open youtube", Action, 50},
		{"Play some jazz", Action, 50},
		{"please show me a picture of a cat", Action, 50},
		{"can you turn the volume up", Action, 50},
		{"how are you today", Conversation, 150},
		{"the display looks great", Conversation, 150},
		{"I explained it already", Conversation, 150},
		{"", Conversation, 150},
	}
	for _, tc := range cases {
		got := c.Classify(tc.text, protocol.ModeConversational)
		if got.Category != tc.category || got.Budget != tc.budget {
			t.Fatalf("Classify(%q) = %+v, want %s/%d", tc.text, got, tc.category, tc.budget)
		}
	}
}

func TestClassifyFoldsWidthAndAccents(t *testing.T) {
	c := defaultClassifier(t)
	cases := []struct {
		text     string
		category Category
	}{
		{"ＴＥＬＬ ＭＥ Ａ ＳＴＯＲＹ about mars", Story},
		{"Résumé the video", Action},
		{"PLAY the next song", Action},
		{"Explain—how tides work", Explanation},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.text, protocol.ModeConversational); got.Category != tc.category {
			t.Fatalf("Classify(%q) = %s, want %s", tc.text, got.Category, tc.category)
		}
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := defaultClassifier(t)
	first := c.Classify("tell me a story about the ocean", protocol.ModeConversational)
	for i := 0; i < 100; i++ {
		if got := c.Classify("tell me a story about the ocean", protocol.ModeConversational); got != first {
			t.Fatalf("iteration %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestBudgetOverrides(t *testing.T) {
	cfg := config.Default().Classifier
	cfg.Budgets = config.Budgets{Story: 800, Explanation: 200, Conversation: 60, Action: 10}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.Classify("tell me a story", protocol.ModeConversational); got.Budget != 800 {
		t.Fatalf("expected overridden story budget, got %d", got.Budget)
	}
	if got := c.Classify("open maps", protocol.ModeConversational); got.Budget != 10 {
		t.Fatalf("expected overridden action budget, got %d", got.Budget)
	}
}

func TestModeProfiles(t *testing.T) {
	c := defaultClassifier(t)

	conv := c.Classify("how are you", protocol.ModeConversational)
	sheep := c.Classify("how are you", protocol.ModeSheep)
	if conv.Category != Conversation || conv.Budget != 150 {
		t.Fatalf("unexpected conversational result %+v", conv)
	}
	if sheep.Category != Story || sheep.Budget != 300 {
		t.Fatalf("expected sheep mode to default to a shorter story, got %+v", sheep)
	}
	// Explicit triggers still win inside a profile.
	if got := c.Classify("open youtube", protocol.ModeSheep); got.Category != Action || got.Budget != 50 {
		t.Fatalf("unexpected sheep action result %+v", got)
	}

	for _, text := range []string{"tell me a story", "what is a star", "play music", "hello"} {
		if got := c.Classify(text, protocol.ModeZzz); got.Budget != 30 {
			t.Fatalf("expected minimal zzz budget for %q, got %d", text, got.Budget)
		}
	}
}

func TestNewRejectsBadProfile(t *testing.T) {
	cfg := config.Default().Classifier
	cfg.ModeProfiles = map[string]config.ModeProfile{"sheep": {DefaultCategory: "poem"}}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid default category to fail")
	}
}
