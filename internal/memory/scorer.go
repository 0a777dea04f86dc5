package memory

import "strings"

// Scorer assigns an importance score in [0, 1] to a message relative to the
// conversation topic. Backends use it when deriving memory entries and when
// ranking relevant context.
type Scorer func(topic, content string) float64

// DefaultScorer scores by topic-keyword overlap: the fraction of topic words
// that occur in the message content, floored at a neutral 0.5 so entries
// without keyword hits still rank by recency.
func DefaultScorer(topic, content string) float64 {
	keywords := strings.Fields(strings.ToLower(topic))
	if len(keywords) == 0 {
		return 0.5
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score := 0.5 + 0.5*float64(hits)/float64(len(keywords))
	if score > 1 {
		score = 1
	}
	return score
}

// matchesTopic reports whether any topic keyword appears in the content.
// Shared by the keyword-search paths of the backends.
func matchesTopic(topic, content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range strings.Fields(strings.ToLower(topic)) {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
