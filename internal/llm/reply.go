package llm

import (
	"encoding/json"
	"strings"
)

// Directive is one action the model asked for, in generation order.
type Directive struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// Reply is the structured result of a generation: optional speech plus directives.
type Reply struct {
	Speech     string      `json:"speech"`
	Directives []Directive `json:"actions"`
}

// ParseReply accepts either the JSON reply format or plain text, which becomes speech.
func ParseReply(content string) Reply {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if strings.HasPrefix(trimmed, "{") {
		var reply Reply
		if err := json.Unmarshal([]byte(trimmed), &reply); err == nil {
			reply.Speech = strings.TrimSpace(reply.Speech)
			return reply
		}
	}
	return Reply{Speech: trimmed}
}

// TruncateWords cuts text to at most limit words, marking the cut with "...".
func TruncateWords(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	words := strings.Fields(text)
	if len(words) <= limit {
		return text, false
	}
	cut := strings.Join(words[:limit], " ")
	cut = strings.TrimRight(cut, ".,;:!?")
	return cut + "...", true
}
