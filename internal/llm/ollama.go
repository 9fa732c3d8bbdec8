package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// replySchema constrains the model to the Reply shape the glasses understand.
var replySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "speech": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "action": {"type": "string", "enum": ["play_song", "play_video", "create_visual", "change_mode", "tts"]},
          "data": {"type": "object"}
        },
        "required": ["action", "data"]
      }
    }
  },
  "required": ["speech"]
}`)

type ollamaGenerator struct {
	endpoint      string
	modelFast     string
	modelBalanced string
	client        *http.Client
}

// NewOllamaGenerator talks to the Ollama chat API. The reply is streamed and
// constrained to the JSON reply schema.
func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	return &ollamaGenerator{
		endpoint:      strings.TrimRight(endpoint, "/"),
		modelFast:     fastModel,
		modelBalanced: balancedModel,
		client:        http.DefaultClient,
	}
}

func (g *ollamaGenerator) modelForTier(tier string) string {
	candidates := []string{g.modelBalanced, g.modelFast}
	if tier == "fast" {
		candidates = []string{g.modelFast, g.modelBalanced}
	}
	for _, m := range candidates {
		if m != "" {
			return m
		}
	}
	return defaultOllamaModel
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   json.RawMessage `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// tokenCap turns a word budget into a num_predict cap. Words run to more than one
// token and the JSON envelope needs room of its own.
func tokenCap(words int) int {
	if words <= 0 {
		return 0
	}
	return words*2 + 64
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.modelForTier(req.Tier),
		Messages: messages,
		Format:   replySchema,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  tokenCap(req.MaxTokens),
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	start := time.Now()
	var promptTokens, completionTokens int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg ollamaChatResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("ollama: %s", msg.Error)
		}
		if msg.EvalCount > 0 {
			completionTokens = msg.EvalCount
		}
		if msg.PromptEvalCount > 0 {
			promptTokens = msg.PromptEvalCount
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          msg.Message.Content,
			Partial:          !msg.Done,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
		if msg.Done {
			break
		}
	}
	return scanner.Err()
}
