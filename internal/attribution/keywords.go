package attribution

import (
	"strings"
	"unicode"
)

// #region stopwords
// stopwords contains common English words excluded from keyword overlap.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "be": true, "been": true,
	"being": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "not": true,
	"no": true, "and": true, "or": true, "but": true, "if": true,
	"then": true, "than": true, "so": true, "as": true, "at": true,
	"by": true, "for": true, "from": true, "in": true, "into": true,
	"of": true, "on": true, "to": true, "with": true, "about": true,
	"up": true, "out": true, "it": true, "its": true, "this": true,
	"that": true, "what": true, "which": true, "who": true, "how": true,
	"when": true, "where": true, "why": true, "you": true, "me": true,
	"i": true, "my": true, "your": true, "we": true, "they": true,
	"always": true, "never": true, "use": true, "using": true, "make": true,
	"sure": true, "instead": true, "prefer": true, "avoid": true, "all": true,
}

// tokenize splits text into unique lowercase non-stopword tokens.
// Digits and underscores stay inside tokens so identifiers survive.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool)
	var tokens []string
	for _, w := range words {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// tokenSet builds a lookup set from tokens.
func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// keywordOverlap returns the share of learning tokens present in output.
func keywordOverlap(learning []string, output map[string]bool) float64 {
	if len(learning) == 0 {
		return 0
	}
	shared := 0
	for _, t := range learning {
		if output[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(learning))
}

// #endregion stopwords
