// Package titlematch scores how well a scraped release title matches the
// title the user actually asked for. Provider search pages are noisy, so a
// single signal isn't enough - we combine exact matches, Levenshtein
// similarity, word containment and a couple of smaller hints.
package titlematch

import (
	"regexp"
	"sort"
	"strings"
)

var (
	nonAlphanumRegex  = regexp.MustCompile(`[^a-z0-9]+`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)
	yearInParensRegex = regexp.MustCompile(`\(\d{4}\)`)
)

// Normalize lowercases the string, replaces all non-alphanumeric characters
// with spaces and collapses consecutive whitespace.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumRegex.ReplaceAllString(s, " ")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Similarity returns a value in [0, 1] based on the Levenshtein distance of
// the normalized inputs. Equal normalized inputs return 1, an empty input
// returns 0.
func Similarity(a, b string) float64 {
	a = Normalize(a)
	b = Normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return float64(maxLen-levenshtein(a, b)) / float64(maxLen)
}

// levenshtein computes the edit distance with the usual two-row DP.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(min(curr[j-1]+1, prev[j]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ContainsAllWords reports whether every word of the query appears in the
// title. A query word counts as present when it's a substring of a title
// word or vice versa, so "spider man" still matches "spiderman".
func ContainsAllWords(title, query string) bool {
	titleWords := strings.Fields(Normalize(title))
	queryWords := strings.Fields(Normalize(query))
	if len(queryWords) == 0 {
		return false
	}
	for _, qw := range queryWords {
		found := false
		for _, tw := range titleWords {
			if strings.Contains(tw, qw) || strings.Contains(qw, tw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Score rates a candidate title against the query.
// Exact normalized equality dominates when present; similarity handles near
// matches; word containment rewards partial substring matches that
// Levenshtein penalizes on long titles.
func Score(candidate, query string) float64 {
	var score float64
	if Normalize(candidate) != "" && Normalize(candidate) == Normalize(query) {
		score += 100
	}
	score += Similarity(candidate, query) * 50
	if ContainsAllWords(candidate, query) {
		score += 30
	}
	lenDiff := len(candidate) - len(query)
	if lenDiff < 0 {
		lenDiff = -lenDiff
	}
	if lengthScore := 10 - float64(lenDiff)/5; lengthScore > 0 {
		score += lengthScore
	}
	if yearInParensRegex.MatchString(candidate) {
		score += 5
	}
	return score
}

// Candidate is one title hit from a provider's search listing.
type Candidate struct {
	Title     string
	URL       string
	Year      int
	Poster    string
	SourceTag string
}

// Match is a Candidate together with its score against a query.
type Match struct {
	Candidate
	Score float64
}

// Rank scores all candidates against the query and returns them sorted by
// score in descending order. The sort is stable, so candidates with equal
// scores keep their input order.
func Rank(candidates []Candidate, query string) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		matches = append(matches, Match{
			Candidate: candidate,
			Score:     Score(candidate.Title, query),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}
