package attribution

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// maxKeywords bounds how many salient terms are kept per insight.
const maxKeywords = 12

// quotedPhrase matches `code spans` and "quoted phrases" in an insight.
// Those are treated as explicit references: seeing them verbatim in agent
// output is strong evidence the learning was applied.
var quotedPhrase = regexp.MustCompile("`([^`]{3,80})`|\"([^\"]{3,80})\"")

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "you": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"always": true, "never": true, "use": true, "using": true, "instead": true, "not": true,
	"than": true, "then": true, "into": true, "before": true, "after": true, "any": true,
	"all": true, "its": true, "only": true, "also": true, "each": true, "very": true,
}

// Keywords are the salient parts of a learning's insight.
type Keywords struct {
	// Terms are normalized single-word tokens.
	Terms []string

	// Phrases are verbatim spans that count as explicit references.
	Phrases []string
}

// ExtractKeywords pulls explicit phrases and salient terms from an insight.
// Terms are ranked by length (longer identifiers are more specific) and
// capped at maxKeywords.
func ExtractKeywords(insight string) Keywords {
	var kw Keywords
	seenPhrase := make(map[string]bool)
	for _, m := range quotedPhrase.FindAllStringSubmatch(insight, -1) {
		phrase := m[1]
		if phrase == "" {
			phrase = m[2]
		}
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && !seenPhrase[phrase] {
			seenPhrase[phrase] = true
			kw.Phrases = append(kw.Phrases, phrase)
		}
	}

	seen := make(map[string]bool)
	for _, tok := range tokenize(insight) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		kw.Terms = append(kw.Terms, tok)
	}
	sort.SliceStable(kw.Terms, func(i, j int) bool {
		return len(kw.Terms[i]) > len(kw.Terms[j])
	})
	if len(kw.Terms) > maxKeywords {
		kw.Terms = kw.Terms[:maxKeywords]
	}
	return kw
}

// tokenize splits text into normalized terms, filtering stopwords and
// tokens shorter than three characters.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) <= 2 || stopwords[tok] {
			continue
		}
		out = append(out, stem(tok))
	}
	return out
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

// stem strips a few common English suffixes so that near matches such as
// "retries"/"retry" or "wrapped"/"wrap" collide.
func stem(tok string) string {
	tok = strings.Trim(tok, ".-")
	for _, suffix := range []string{"ing", "ies", "ed", "es", "s"} {
		if len(tok) > len(suffix)+3 && strings.HasSuffix(tok, suffix) {
			base := strings.TrimSuffix(tok, suffix)
			if suffix == "ies" {
				return base + "y"
			}
			return base
		}
	}
	return tok
}

// termCoverage returns the fraction of terms present in text.
func termCoverage(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, tok := range tokenize(text) {
		present[tok] = true
	}
	matched := 0
	for _, term := range terms {
		if present[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// containsPhrase reports whether any explicit phrase appears in text.
func containsPhrase(phrases []string, text string) bool {
	if len(phrases) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// minIDRefLen is the shortest learning id that can be cited by name.
const minIDRefLen = 6

// mentionsID reports whether text cites the learning id as a whole token.
// Only id-shaped values count: at least minIDRefLen runes with a digit or a
// '-'/'_' separator, so slugs such as "fix" never match ordinary prose.
func mentionsID(id, text string) bool {
	id = strings.ToLower(id)
	if !idShaped(id) {
		return false
	}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	}) {
		if strings.TrimRight(tok, ".-") == id {
			return true
		}
	}
	return false
}

func idShaped(id string) bool {
	if len([]rune(id)) < minIDRefLen {
		return false
	}
	for _, r := range id {
		if !isWordRune(r) {
			return false
		}
	}
	return strings.ContainsAny(id, "0123456789-_")
}

// CosineSimilarity returns the cosine of the angle between two vectors, or
// zero for empty, mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
