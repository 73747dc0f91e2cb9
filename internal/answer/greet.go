package answer

import (
	"math/rand/v2"
	"strings"

	"github.com/antzucaro/matchr"
)

// greetingKeywords are the tokens (and bigrams) that mark a query as a
// greeting rather than a document question.
var greetingKeywords = []string{
	"hi", "hello", "hey", "greetings", "hola", "howdy", "good morning", "morning",
}

// greetingReplies are picked from at random for greeting queries.
var greetingReplies = []string{
	"Hi, how are you?",
	"Hello! How's it going?",
	"Hey there! What's up?",
	"Greetings! How can I help you today?",
	"Hola! How's your day going?",
	"Howdy! What's on your mind?",
	"Good morning! Happy to see you",
}

// Voice transcripts routinely mangle short words ("helo", "greetins").
// Tokens whose Double Metaphone codes overlap a keyword's need only a
// moderate Jaro-Winkler score; tokens without phonetic overlap must be
// near-identical strings.
const (
	greetingPhoneticThreshold = 0.70
	greetingFuzzyThreshold    = 0.92
)

// IsGreeting reports whether query is a greeting.
//
// Detection runs in two stages. First a plain substring scan over the known
// keywords. Then, for queries of at most a few words, each token is compared
// phonetically (Double Metaphone code overlap ranked by Jaro-Winkler) against
// the keyword list to catch transcription misspellings.
func IsGreeting(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range greetingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	// Phonetic pass: only short queries qualify; a long question that merely
	// sounds like it contains "hey" should still hit the document store.
	tokens := strings.Fields(lower)
	if len(tokens) == 0 || len(tokens) > 4 {
		return false
	}
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?")
		if tok == "" {
			continue
		}
		for _, kw := range greetingKeywords {
			if soundsLike(tok, kw) {
				return true
			}
		}
	}
	return false
}

// soundsLike reports whether tok phonetically matches keyword. Overlapping
// Double Metaphone codes lower the Jaro-Winkler bar; otherwise the strings
// must be near-identical.
func soundsLike(tok, keyword string) bool {
	// Multi-word keywords ("good morning") are handled by the substring scan.
	if strings.ContainsRune(keyword, ' ') {
		return false
	}
	score := matchr.JaroWinkler(tok, keyword, false)
	if codesOverlap(tok, keyword) {
		return score >= greetingPhoneticThreshold
	}
	return score >= greetingFuzzyThreshold
}

// codesOverlap reports whether the Double Metaphone codes of a and b share
// at least one non-empty code.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || (bs != "" && x == bs) {
			return true
		}
	}
	return false
}

// RandomGreeting returns one of the canned greeting replies.
func RandomGreeting() string {
	return greetingReplies[rand.IntN(len(greetingReplies))]
}
