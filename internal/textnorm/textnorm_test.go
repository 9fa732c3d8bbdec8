package textnorm

import (
	"slices"
	"testing"
)

func TestFold(t *testing.T) {
	cases := map[string]string{
		"STOP":      "stop",
		"ＳＴＯＰ":      "stop",
		"Café":      "cafe",
		"Résumé":    "resume",
		"Straße":    "strasse",
		"I’m awake": "i'm awake",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWordsAndPhrase(t *testing.T) {
	if got := Words("Hey — what’s   up?"); !slices.Equal(got, []string{"hey", "what's", "up"}) {
		t.Fatalf("unexpected words %q", got)
	}
	if got := Phrase("Tell me a STORY, about... Ｍａｒｓ!"); got != "tell me a story about mars" {
		t.Fatalf("unexpected phrase %q", got)
	}
	if got := Phrase("  ...  "); got != "" {
		t.Fatalf("expected empty phrase, got %q", got)
	}
}
