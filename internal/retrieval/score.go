package retrieval

import (
	"regexp"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"can": true, "do": true, "for": true, "from": true, "how": true, "i": true, "in": true, "is": true,
	"it": true, "me": true, "my": true, "of": true, "on": true, "or": true, "our": true, "the": true,
	"this": true, "to": true, "we": true, "what": true, "with": true, "you": true, "your": true,
	"about": true, "any": true, "should": true, "would": true, "could": true, "there": true,
}

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// terms lowercases, splits on non-alphanumerics, drops stop words and
// de-duplicates.
func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

const contextWeight = 0.2

// Score is the fraction of query terms found in text, nudged up by the
// fraction of session-context terms it also contains. Context only ever
// adds: the result is 0 when no query term matches and stays within [0,1].
func Score(query, context, text string) float64 {
	q := terms(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range terms(text) {
		have[t] = true
	}
	qf := fraction(have, q)
	if qf == 0 {
		return 0
	}

	ctx := contextTerms(q, context)
	if len(ctx) == 0 {
		return qf
	}
	return blend(qf, fraction(have, ctx))
}

// blend combines query coverage qf with context coverage cf.
func blend(qf, cf float64) float64 {
	if qf == 0 {
		return 0
	}
	return qf + contextWeight*cf*(1-qf)
}

// contextTerms returns the terms of context that are not already query terms.
func contextTerms(query []string, context string) []string {
	qset := make(map[string]bool, len(query))
	for _, t := range query {
		qset[t] = true
	}
	var out []string
	for _, t := range terms(context) {
		if !qset[t] {
			out = append(out, t)
		}
	}
	return out
}

func fraction(have map[string]bool, ts []string) float64 {
	hit := 0
	for _, t := range ts {
		if matchTerm(have, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(ts))
}

// matchTerm accepts exact matches and simple plural/stem variants.
func matchTerm(have map[string]bool, t string) bool {
	if have[t] {
		return true
	}
	if strings.HasSuffix(t, "s") && have[strings.TrimSuffix(t, "s")] {
		return true
	}
	return have[t+"s"]
}

// Snippet returns the sentence of text with the most query-term hits,
// shortened to at most max runes.
func Snippet(query, text string, max int) string {
	q := terms(query)
	best, bestHits := strings.TrimSpace(text), -1
	for _, sentence := range sentenceBoundary.Split(text, -1) {
		have := make(map[string]bool)
		for _, t := range terms(sentence) {
			have[t] = true
		}
		hits := 0
		for _, t := range q {
			if matchTerm(have, t) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = strings.TrimSpace(sentence), hits
		}
	}
	r := []rune(best)
	if max > 0 && len(r) > max {
		return strings.TrimSpace(string(r[:max-1])) + "…"
	}
	return best
}
