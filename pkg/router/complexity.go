package router

import (
	"math"
	"strings"
	"sync"
)

// Factor weights for the complexity score.
const (
	tokenWeight      = 0.3
	keywordWeight    = 0.3
	structuralWeight = 0.3
	domainBonus      = 0.1
)

// tokenNormalizer scales the chars/4 token estimate into [0,1].
const tokenNormalizer = 1000.0

// structuralNormalizer caps the structural token count contribution.
const structuralNormalizer = 15.0

// keywordCap bounds how many keyword matches count.
const keywordCap = 10

// complexityKeywords signal analytically demanding tasks.
var complexityKeywords = map[string]struct{}{
	"analyze":      {},
	"implement":    {},
	"optimize":     {},
	"algorithm":    {},
	"architecture": {},
	"debug":        {},
}

// structuralWords are code-shaped word tokens; symbols are counted as
// substrings separately so "for" inside "performance" does not count.
var structuralWords = map[string]struct{}{
	"function": {},
	"class":    {},
	"if":       {},
	"for":      {},
}

var structuralSymbols = []string{"{", "}", "(", ")", "[", "]", "=>"}

// domainTerms grant the domain-specific bonus.
var domainTerms = []string{"code", "api", "database", "security", "machine learning", "data science"}

// complexityAnalyzer scores task text in [0,1], caching results by task
// prefix so repeated routing of similar tasks skips the analysis.
type complexityAnalyzer struct {
	mu    sync.Mutex
	cache map[string]float64
	limit int
}

func newComplexityAnalyzer(limit int) *complexityAnalyzer {
	return &complexityAnalyzer{
		cache: make(map[string]float64),
		limit: limit,
	}
}

// Score computes the weighted complexity score for the task.
func (a *complexityAnalyzer) Score(task string) float64 {
	prefix := task
	if len(prefix) > cacheKeyTaskPrefix {
		prefix = prefix[:cacheKeyTaskPrefix]
	}

	a.mu.Lock()
	if score, ok := a.cache[prefix]; ok {
		a.mu.Unlock()
		return score
	}
	a.mu.Unlock()

	score := scoreComplexity(task)

	a.mu.Lock()
	if len(a.cache) >= a.limit {
		// Full reset is cheaper than tracking order for a bounded side cache.
		a.cache = make(map[string]float64)
	}
	a.cache[prefix] = score
	a.mu.Unlock()
	return score
}

func scoreComplexity(task string) float64 {
	lower := strings.ToLower(task)
	words := strings.Fields(lower)

	// Token estimate: chars/4, normalized per thousand tokens.
	tokens := math.Ceil(float64(len(task)) / 4)
	tokenScore := math.Min(tokens/tokenNormalizer, 1.0)

	// Keyword density.
	keywordMatches := 0
	for _, w := range words {
		if _, ok := complexityKeywords[strings.Trim(w, ".,;:!?")]; ok {
			keywordMatches++
		}
	}
	if keywordMatches > keywordCap {
		keywordMatches = keywordCap
	}
	keywordScore := float64(keywordMatches) / keywordCap

	// Structural density: code-shaped words and symbols.
	structural := 0
	for _, w := range words {
		if _, ok := structuralWords[w]; ok {
			structural++
		}
	}
	for _, sym := range structuralSymbols {
		structural += strings.Count(task, sym)
	}
	structuralScore := math.Min(float64(structural)/structuralNormalizer, 1.0)

	score := tokenWeight*tokenScore + keywordWeight*keywordScore + structuralWeight*structuralScore
	for _, term := range domainTerms {
		if strings.Contains(lower, term) {
			score += domainBonus
			break
		}
	}
	return math.Min(score, 1.0)
}
