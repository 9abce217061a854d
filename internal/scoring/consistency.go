package scoring

import (
	"fmt"
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\b\w+\b`)

// negationPatterns pair a negated phrasing with its positive counterpart.
// A claim matching one side while a related claim matches the other is
// treated as a contradiction.
var negationPatterns = [][2]*regexp.Regexp{
	{regexp.MustCompile(`\bnot\b`), regexp.MustCompile(`\b\w+`)},
	{regexp.MustCompile(`\bno\b`), regexp.MustCompile(`\b\w+`)},
	{regexp.MustCompile(`\bfail`), regexp.MustCompile(`\bsuccess`)},
}

// Consistency scores a claim against related claims from the same company
// via lexical term overlap and negation-contradiction detection. Returns
// the 0-1 score and an explanation.
func Consistency(claim string, related []string) (float64, string) {
	if len(related) == 0 {
		return 0.5, "No other claims available for consistency check"
	}

	claimLower := strings.ToLower(claim)
	claimTerms := termSet(claimLower)
	if len(claimTerms) == 0 {
		return 0.5, "No other claims available for consistency check"
	}

	var contradictions, supporting, partial int

	for _, other := range related {
		otherLower := strings.ToLower(other)
		otherTerms := termSet(otherLower)

		if contradicts(claimLower, otherLower) {
			contradictions++
			continue
		}

		shared := 0
		for t := range claimTerms {
			if otherTerms[t] {
				shared++
			}
		}
		overlap := float64(shared) / float64(len(claimTerms))

		switch {
		case overlap > 0.7:
			supporting++
		case overlap > 0.3:
			partial++
		}
	}

	switch {
	case contradictions > 0:
		score := 0.3 - 0.1*float64(contradictions)
		if score < 0 {
			score = 0
		}
		return score, fmt.Sprintf("Found %d contradicting claims", contradictions)
	case supporting > 0:
		score := 0.7 + 0.1*float64(supporting)
		if score > 1 {
			score = 1
		}
		return score, fmt.Sprintf("Found %d supporting claims", supporting)
	case partial > 0:
		return 0.5 + 0.05*float64(partial), fmt.Sprintf("Found %d partially related claims", partial)
	}
	return 0.5, "No direct contradictions or support found"
}

func termSet(lower string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range wordRe.FindAllString(lower, -1) {
		terms[w] = true
	}
	return terms
}

// contradicts reports whether one text negates something the other asserts:
// "not X" / "no X" in one with X present in the other, or fail vs success.
func contradicts(a, b string) bool {
	for _, pair := range negationPatterns {
		neg, pos := pair[0], pair[1]
		if neg == negationPatterns[2][0] {
			// fail/success pair matches as-is in either direction.
			if (neg.MatchString(a) && pos.MatchString(b)) || (neg.MatchString(b) && pos.MatchString(a)) {
				return true
			}
			continue
		}
		if negatedTermAsserted(a, b, neg) || negatedTermAsserted(b, a, neg) {
			return true
		}
	}
	return false
}

// negatedTermAsserted reports whether text negSide says "not|no <term>" for
// a term that posSide asserts.
func negatedTermAsserted(negSide, posSide string, neg *regexp.Regexp) bool {
	loc := neg.FindStringIndex(negSide)
	if loc == nil {
		return false
	}
	posTerms := termSet(posSide)
	for _, term := range wordRe.FindAllString(negSide[loc[1]:], -1) {
		if len(term) < 4 {
			continue // skip stopword-sized tokens after the negation
		}
		if posTerms[term] {
			return true
		}
	}
	return false
}
