// Package voicecmd detects spoken sleep and wake commands in final
// transcripts.
//
// Each configured phrase is compared against every window of consecutive
// words in the transcript. A word pair matches when the two words are equal,
// when their Double Metaphone codes overlap and their Jaro-Winkler similarity
// reaches the phonetic threshold, or when the similarity alone reaches the
// fuzzy threshold. This tolerates the usual recognizer near-misses
// ("hey parlay" for "hey parley").
package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.88
)

// Action is the command a transcript triggered.
type Action int

const (
	None Action = iota
	Wake
	Sleep
)

func (a Action) String() string {
	switch a {
	case Wake:
		return "wake"
	case Sleep:
		return "sleep"
	default:
		return "none"
	}
}

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a word pair
// whose phonetic codes overlap. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(f *Filter) { f.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a word pair
// without phonetic overlap. Default: 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(f *Filter) { f.fuzzyThreshold = threshold }
}

// phrase is a configured command phrase, pre-tokenised.
type phrase struct {
	text  string
	words []word
}

type word struct {
	text  string
	codes [2]string
}

// Filter matches transcripts against wake and sleep phrases. It is
// read-only after construction and safe for concurrent use.
type Filter struct {
	wake  []phrase
	sleep []phrase

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New creates a Filter for the given phrases. Blank phrases are ignored.
func New(wakePhrases, sleepPhrases []string, opts ...Option) *Filter {
	f := &Filter{
		wake:              compile(wakePhrases),
		sleep:             compile(sleepPhrases),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Empty reports whether the filter has no phrases at all.
func (f *Filter) Empty() bool {
	return len(f.wake) == 0 && len(f.sleep) == 0
}

// Check tests text against the wake phrases when asleep and against the
// sleep phrases otherwise. It returns the triggered action and the phrase
// that matched, or [None] and "".
func (f *Filter) Check(text string, asleep bool) (Action, string) {
	candidates, action := f.sleep, Sleep
	if asleep {
		candidates, action = f.wake, Wake
	}
	if len(candidates) == 0 {
		return None, ""
	}
	words := tokenize(text)
	if len(words) == 0 {
		return None, ""
	}
	for _, p := range candidates {
		if f.contains(words, p) {
			return action, p.text
		}
	}
	return None, ""
}

// contains reports whether any window of len(p.words) consecutive words
// matches p.
func (f *Filter) contains(words []word, p phrase) bool {
	n := len(p.words)
	for start := 0; start+n <= len(words); start++ {
		ok := true
		for i := range n {
			if !f.wordsMatch(words[start+i], p.words[i]) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (f *Filter) wordsMatch(a, b word) bool {
	if a.text == b.text {
		return true
	}
	score := matchr.JaroWinkler(a.text, b.text, false)
	if codesOverlap(a.codes, b.codes) {
		return score >= f.phoneticThreshold
	}
	return score >= f.fuzzyThreshold
}

func compile(texts []string) []phrase {
	var out []phrase
	for _, t := range texts {
		words := tokenize(t)
		if len(words) == 0 {
			continue
		}
		out = append(out, phrase{text: strings.TrimSpace(t), words: words})
	}
	return out
}

// tokenize lowercases s, splits it on anything that is not a letter, digit,
// or apostrophe, and computes the Double Metaphone codes of each word.
func tokenize(s string) []word {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := make([]word, 0, len(fields))
	for _, f := range fields {
		p, s := matchr.DoubleMetaphone(f)
		words = append(words, word{text: f, codes: [2]string{p, s}})
	}
	return words
}

// codesOverlap reports whether the two code pairs share a non-empty code.
func codesOverlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		if x == b[0] || x == b[1] {
			return true
		}
	}
	return false
}
