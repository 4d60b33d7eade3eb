// Package fuzzy implements intent.Recognizer with approximate string
// matching over configured phrase lists.
//
// Matching runs in three stages per phrase:
//
//  1. Containment: the transcript contains the phrase verbatim.
//  2. Edit distance: normalized Levenshtein similarity over the full
//     transcript, which tolerates ASR slips in short commands.
//  3. Phonetic: Double Metaphone overlap plus Jaro-Winkler ranking for
//     latin-script phrases, so "good buy" still matches "goodbye".
//
// The best-scoring phrase above the threshold wins; exit phrases are checked
// before device commands.
package fuzzy

import (
	"context"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/echobridge/echobridge/pkg/provider/intent"
)

const defaultThreshold = 0.80

// Command is one device command with its trigger phrases.
type Command struct {
	// Name is the canonical command name reported in the Result.
	Name string

	// Phrases trigger the command.
	Phrases []string

	// Reply is spoken when the command matches.
	Reply string
}

// Option is a functional option for configuring a [Recognizer].
type Option func(*Recognizer)

// WithThreshold sets the minimum similarity for a fuzzy match. Containment
// matches ignore the threshold. Default: 0.80.
func WithThreshold(threshold float64) Option {
	return func(r *Recognizer) { r.threshold = threshold }
}

// WithExitReply sets the acknowledgement spoken when an exit phrase matches.
func WithExitReply(reply string) Option {
	return func(r *Recognizer) { r.exitReply = reply }
}

// Recognizer matches transcripts against exit phrases and device commands.
// It is read-only after construction and safe for concurrent use.
type Recognizer struct {
	exitPhrases []string
	exitReply   string
	commands    []Command
	threshold   float64
}

// New returns a Recognizer over the given exit phrases and commands.
func New(exitPhrases []string, commands []Command, opts ...Option) *Recognizer {
	r := &Recognizer{
		exitPhrases: exitPhrases,
		commands:    commands,
		threshold:   defaultThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Recognize implements intent.Recognizer.
func (r *Recognizer) Recognize(_ context.Context, text string) (intent.Result, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return intent.Result{}, nil
	}

	if score, ok := r.bestMatch(text, r.exitPhrases); ok {
		return intent.Result{Kind: intent.KindExit, Reply: r.exitReply, Score: score}, nil
	}

	var best intent.Result
	for _, cmd := range r.commands {
		score, ok := r.bestMatch(text, cmd.Phrases)
		if ok && score > best.Score {
			best = intent.Result{
				Kind:    intent.KindCommand,
				Command: cmd.Name,
				Reply:   cmd.Reply,
				Score:   score,
			}
		}
	}
	return best, nil
}

// bestMatch returns the highest similarity between text and any phrase.
func (r *Recognizer) bestMatch(text string, phrases []string) (float64, bool) {
	best, matched := 0.0, false
	for _, phrase := range phrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if s, ok := r.score(text, phrase); ok && s > best {
			best, matched = s, true
		}
	}
	return best, matched
}

func (r *Recognizer) score(text, phrase string) (float64, bool) {
	if strings.Contains(text, phrase) {
		return 1, true
	}

	if s := levenshteinSimilarity(text, phrase); s >= r.threshold {
		return s, true
	}

	// Phonetic stage only helps latin script; Double Metaphone yields empty
	// codes for CJK input.
	if phoneticOverlap(text, phrase) {
		if s := matchr.JaroWinkler(text, phrase, false); s >= r.threshold {
			return s, true
		}
	}
	return 0, false
}

// levenshteinSimilarity maps edit distance onto [0, 1] relative to the longer
// string.
func levenshteinSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	d := matchr.Levenshtein(a, b)
	return 1 - float64(d)/float64(longest)
}

// phoneticOverlap reports whether any word of a shares a Double Metaphone
// code with any word of b.
func phoneticOverlap(a, b string) bool {
	codesA := metaphoneCodes(a)
	if len(codesA) == 0 {
		return false
	}
	for code := range metaphoneCodes(b) {
		if _, ok := codesA[code]; ok {
			return true
		}
	}
	return false
}

func metaphoneCodes(s string) map[string]struct{} {
	codes := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

var _ intent.Recognizer = (*Recognizer)(nil)
