// Package interrupt detects barge-in cue words while a response is being spoken.
package interrupt

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-glasses/internal/textnorm"
)

// Phrases that collapse into a single cue token before matching.
var joinedPhrases = map[string]string{
	"never mind": "nevermind",
	"hang on":    "hold",
	"hold on":    "hold",
}

// Words that carry no request on their own when they follow a cue ("hold on", "wait a second").
var fillers = map[string]struct{}{
	"on": {}, "up": {}, "it": {}, "that": {}, "please": {}, "now": {}, "there": {},
	"a": {}, "second": {}, "sec": {}, "minute": {}, "moment": {}, "okay": {}, "ok": {},
}

// CueSet matches transcripts whose opening words contain an interruption cue.
type CueSet struct {
	cues   map[string]struct{}
	window int
}

func NewCueSet(cues []string, window int) CueSet {
	set := make(map[string]struct{}, len(cues))
	for _, cue := range cues {
		key := normalize(cue)
		if joined, ok := joinedPhrases[key]; ok {
			key = joined
		}
		key = strings.ReplaceAll(key, " ", "")
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if window <= 0 {
		window = 1
	}
	return CueSet{cues: set, window: window}
}

// Contains reports whether word (after normalization) is a cue.
func (c CueSet) Contains(word string) bool {
	_, ok := c.cues[normalize(word)]
	return ok
}

// Match looks for a cue among the first window words of transcript. On a match it
// returns the cue and the text that follows it, with filler-only remainders dropped.
func (c CueSet) Match(transcript string) (cue string, remainder string, ok bool) {
	tokens := tokenize(transcript)
	for i := 0; i < len(tokens) && i < c.window; i++ {
		word := tokens[i].norm
		end := tokens[i].end
		if i+1 < len(tokens) {
			if joined, found := joinedPhrases[word+" "+tokens[i+1].norm]; found {
				word = joined
				end = tokens[i+1].end
			}
		}
		if _, hit := c.cues[word]; !hit {
			continue
		}
		rest := strings.TrimLeftFunc(transcript[end:], func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		rest = strings.TrimSpace(rest)
		if fillerOnly(rest) {
			rest = ""
		}
		return word, rest, true
	}
	return "", "", false
}

// StripCue removes a leading cue from transcript. Text without a cue is returned unchanged.
func (c CueSet) StripCue(transcript string) string {
	if _, rest, ok := c.Match(transcript); ok {
		return rest
	}
	return transcript
}

type token struct {
	norm  string
	start int
	end   int
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		wordRune := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’'
		if wordRune && start < 0 {
			start = i
		}
		if !wordRune && start >= 0 {
			tokens = append(tokens, token{norm: normalize(text[start:i]), start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{norm: normalize(text[start:]), start: start, end: len(text)})
	}
	return tokens
}

// normalize folds s and strips surrounding punctuation.
func normalize(s string) string {
	return strings.TrimFunc(strings.TrimSpace(textnorm.Fold(s)), func(r rune) bool {
		return unicode.IsPunct(r) && r != '\''
	})
}

func fillerOnly(text string) bool {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return true
	}
	for _, t := range tokens {
		if _, ok := fillers[t.norm]; !ok {
			return false
		}
	}
	return true
}
