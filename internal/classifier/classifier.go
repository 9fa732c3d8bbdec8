// Package classifier assigns a response category and length budget to a transcript.
package classifier

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/textnorm"
)

// Category is the response policy for an utterance.
type Category string

const (
	Story        Category = "story"
	Explanation  Category = "explanation"
	Conversation Category = "conversation"
	Action       Category = "action"
)

// Result is immutable once returned.
type Result struct {
	Category Category
	Budget   int
}

var storyTriggers = []string{"tell me a story", "once upon a time", "bedtime story", "a story about"}

var explanationTriggers = []string{"explain", "what is", "what are", "how does", "how do", "why does", "why do", "tell me about"}

// DefaultActionVerbs are the imperative verbs that mark a command.
var DefaultActionVerbs = []string{
	"open", "play", "show", "start", "launch", "close", "turn", "set", "watch",
	"draw", "create", "skip", "resume", "next", "switch",
}

var politePrefixes = []string{"please", "can you", "could you", "would you", "will you"}

// Classifier is pure: it holds only configuration and never mutates it.
type Classifier struct {
	budgets   config.Budgets
	zzzBudget int
	verbs     map[string]struct{}
	profiles  map[protocol.Mode]config.ModeProfile
}

func New(cfg config.ClassifierConfig) (*Classifier, error) {
	verbs := cfg.ActionVerbs
	if len(verbs) == 0 {
		verbs = DefaultActionVerbs
	}
	c := &Classifier{
		budgets:   cfg.Budgets,
		zzzBudget: cfg.ZzzBudget,
		verbs:     make(map[string]struct{}, len(verbs)),
		profiles:  make(map[protocol.Mode]config.ModeProfile, len(cfg.ModeProfiles)),
	}
	for _, v := range verbs {
		c.verbs[normalize(v)] = struct{}{}
	}
	for name, profile := range cfg.ModeProfiles {
		mode, err := protocol.ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("mode profile: %w", err)
		}
		if profile.DefaultCategory != "" {
			if _, err := ParseCategory(profile.DefaultCategory); err != nil {
				return nil, fmt.Errorf("mode profile %s: %w", name, err)
			}
		}
		c.profiles[mode] = profile
	}
	return c, nil
}

// ParseCategory validates a category name.
func ParseCategory(value string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case Story:
		return Story, nil
	case Explanation:
		return Explanation, nil
	case Conversation:
		return Conversation, nil
	case Action:
		return Action, nil
	}
	return "", fmt.Errorf("unknown category %q", value)
}

// Classify returns the category and budget for transcript under mode.
func (c *Classifier) Classify(transcript string, mode protocol.Mode) Result {
	text := normalize(transcript)
	category, matched := c.match(text)

	profile, hasProfile := c.profiles[mode]
	if !matched && hasProfile && profile.DefaultCategory != "" {
		category = Category(profile.DefaultCategory)
	}
	return Result{Category: category, Budget: c.budget(category, mode, profile, hasProfile)}
}

// Budget returns the budget a category gets under mode without classifying text.
func (c *Classifier) Budget(category Category, mode protocol.Mode) int {
	profile, ok := c.profiles[mode]
	return c.budget(category, mode, profile, ok)
}

func (c *Classifier) match(text string) (Category, bool) {
	for _, trigger := range storyTriggers {
		if containsPhrase(text, trigger) {
			return Story, true
		}
	}
	for _, trigger := range explanationTriggers {
		if containsPhrase(text, trigger) {
			return Explanation, true
		}
	}
	if c.isCommand(text) {
		return Action, true
	}
	return Conversation, false
}

func (c *Classifier) isCommand(text string) bool {
	for {
		trimmed := text
		for _, prefix := range politePrefixes {
			if strings.HasPrefix(trimmed, prefix+" ") {
				trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			}
		}
		if trimmed == text {
			break
		}
		text = trimmed
	}
	first, _, _ := strings.Cut(text, " ")
	_, ok := c.verbs[first]
	return ok
}

func (c *Classifier) budget(category Category, mode protocol.Mode, profile config.ModeProfile, hasProfile bool) int {
	if mode == protocol.ModeZzz && c.zzzBudget > 0 {
		return c.zzzBudget
	}
	base := pick(category, c.budgets)
	if hasProfile {
		if override := pick(category, profile.Budgets); override > 0 {
			return override
		}
	}
	return base
}

func pick(category Category, b config.Budgets) int {
	switch category {
	case Story:
		return b.Story
	case Explanation:
		return b.Explanation
	case Action:
		return b.Action
	default:
		return b.Conversation
	}
}

// normalize folds text into space-separated words.
func normalize(text string) string {
	return textnorm.Phrase(text)
}

// containsPhrase matches on word boundaries, so "explained" does not trigger "explain".
func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}
