package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaStreamsStructuredReply(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"{\"speech\": \"Here is "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"your song.\", \"actions\": [{\"action\": \"play_song\", \"data\": {\"song_title\": \"Clair de Lune\"}}]}"},"done":true,"eval_count":21,"prompt_eval_count":80}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "small", "large")
	var b strings.Builder
	var last Chunk
	err := gen.Generate(context.Background(), Request{
		SessionID: "glasses-1",
		System:    "be brief",
		Prompt:    "User said: play clair de lune",
		Tier:      "fast",
		MaxTokens: 50,
	}, func(c Chunk) error {
		b.WriteString(c.Content)
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if got.Model != "small" || !got.Stream || got.Options.NumPredict != tokenCap(50) {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "User said: play clair de lune" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if len(got.Format) == 0 {
		t.Fatal("expected the reply schema to be sent")
	}
	if last.Partial || last.CompletionTokens != 21 || last.PromptTokens != 80 {
		t.Fatalf("unexpected final chunk %+v", last)
	}

	reply := ParseReply(b.String())
	if reply.Speech != "Here is your song." || len(reply.Directives) != 1 || reply.Directives[0].Data["song_title"] != "Clair de Lune" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestOllamaReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "large" not found`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "", "large").Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected server error detail, got %v", err)
	}
}

func TestOllamaModelForTier(t *testing.T) {
	g := &ollamaGenerator{modelFast: "small"}
	if g.modelForTier("balanced") != "small" {
		t.Fatal("expected fallback to the only configured model")
	}
	if (&ollamaGenerator{}).modelForTier("fast") != defaultOllamaModel {
		t.Fatal("expected default model")
	}
}
