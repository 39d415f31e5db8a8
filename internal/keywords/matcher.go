// Package keywords indexes configured keywords and aliases, finds exact and
// fuzzy occurrences in article text, and scores and ranks them.
//
// A Matcher is immutable after construction and safe for concurrent use.
package keywords

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// TermType distinguishes primary keywords from aliases.
type TermType string

const (
	TermPrimary TermType = "primary"
	TermAlias   TermType = "alias"
)

// MatchType records which pass found a match.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

const (
	minFuzzyWordLen   = 3
	maxFuzzyLenDelta  = 3
	maxStoredContexts = 3
)

// IndexEntry is what a lowercase term resolves to.
type IndexEntry struct {
	Original        string   `json:"original"`
	Primary         string   `json:"primary_keyword"`
	Category        string   `json:"category"`
	Weight          float64  `json:"weight"`
	ContextRequired bool     `json:"context_required"`
	Type            TermType `json:"type"`
}

// Match is one located keyword occurrence.
type Match struct {
	Keyword          string    `json:"keyword"`
	MatchedText      string    `json:"matched_text"`
	Term             string    `json:"term"`
	Category         string    `json:"category"`
	Weight           float64   `json:"weight"`
	Position         int       `json:"position"`
	Context          string    `json:"context"`
	MatchType        MatchType `json:"match_type"`
	Similarity       float64   `json:"similarity,omitempty"`
	IsAlias          bool      `json:"is_alias"`
	ContextRequired  bool      `json:"context_required"`
	ContextValidated bool      `json:"context_validated"`
	FinalScore       float64   `json:"final_score"`
}

// Result is the composed output of MatchKeywords.
type Result struct {
	Matches        []Match            `json:"matches"`
	ByCategory     map[string][]Match `json:"by_category"`
	CategoryScores map[string]float64 `json:"category_scores"`
	TotalMatches   int                `json:"total_matches"`
	TotalScore     float64            `json:"total_score"`
}

// Matcher holds the keyword index and compiled patterns.
type Matcher struct {
	cfg      Config
	index    map[string]IndexEntry
	terms    []string
	patterns map[string]*regexp.Regexp
	context  []string
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+(?:[-_.][\p{L}\p{N}]+)*`)

// NewMatcher builds the index from cfg and compiles one pattern per term.
func NewMatcher(cfg Config) *Matcher {
	cfg = cfg.withDefaults()
	m := &Matcher{
		cfg:      cfg,
		index:    BuildIndex(cfg.Categories),
		patterns: make(map[string]*regexp.Regexp),
	}
	for term := range m.index {
		m.terms = append(m.terms, term)
		m.patterns[term] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(term))
	}
	slices.Sort(m.terms)
	for _, k := range cfg.ContextKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			m.context = append(m.context, k)
		}
	}
	return m
}

// Index returns a copy of the term index.
func (m *Matcher) Index() map[string]IndexEntry {
	out := make(map[string]IndexEntry, len(m.index))
	for k, v := range m.index {
		out[k] = v
	}
	return out
}

// BuildIndex maps every lowercase keyword and alias to its entry. The first
// definition of a term wins, and primaries are indexed before aliases so an
// alias can never shadow a primary keyword.
func BuildIndex(categories []Category) map[string]IndexEntry {
	index := make(map[string]IndexEntry)
	for _, cat := range categories {
		for _, e := range cat.Entries {
			key := strings.ToLower(strings.TrimSpace(e.Keyword))
			if key == "" {
				continue
			}
			if _, ok := index[key]; ok {
				continue
			}
			index[key] = IndexEntry{
				Original:        e.Keyword,
				Primary:         e.Keyword,
				Category:        cat.Name,
				Weight:          entryWeight(e),
				ContextRequired: e.ContextRequired,
				Type:            TermPrimary,
			}
		}
	}
	for _, cat := range categories {
		for _, e := range cat.Entries {
			if strings.TrimSpace(e.Keyword) == "" {
				continue
			}
			for _, alias := range e.Aliases {
				key := strings.ToLower(strings.TrimSpace(alias))
				if key == "" {
					continue
				}
				if _, ok := index[key]; ok {
					continue
				}
				index[key] = IndexEntry{
					Original:        alias,
					Primary:         e.Keyword,
					Category:        cat.Name,
					Weight:          entryWeight(e),
					ContextRequired: e.ContextRequired,
					Type:            TermAlias,
				}
			}
		}
	}
	return index
}

func entryWeight(e Entry) float64 {
	if e.Weight <= 0 {
		return 1.0
	}
	return e.Weight
}

// FindExactMatches returns one match per word-bounded, case-insensitive
// occurrence of every indexed term, ordered by position.
func (m *Matcher) FindExactMatches(text string) []Match {
	var out []Match
	for _, term := range m.terms {
		entry := m.index[term]
		for _, loc := range occurrences(m.patterns[term], text) {
			if !wordBounded(text, loc[0], loc[1]) {
				continue
			}
			out = append(out, m.newMatch(entry, term, text, loc[0], loc[1], MatchExact, 0))
		}
	}
	return sortByPosition(dedupe(out))
}

// occurrences returns every match of re in text, overlapping ones included.
// Each scan resumes one rune past the previous match start.
func occurrences(re *regexp.Regexp, text string) [][2]int {
	var locs [][2]int
	for from := 0; from < len(text); {
		loc := re.FindStringIndex(text[from:])
		if loc == nil {
			break
		}
		start, end := from+loc[0], from+loc[1]
		locs = append(locs, [2]int{start, end})
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + max(size, 1)
	}
	return locs
}

// FindFuzzyMatches compares each word of text against every indexed term and
// keeps those at or above the similarity threshold. It returns nil when fuzzy
// matching is disabled.
func (m *Matcher) FindFuzzyMatches(text string) []Match {
	if !m.cfg.FuzzyMatching {
		return nil
	}
	var out []Match
	for _, loc := range wordRe.FindAllStringIndex(text, -1) {
		word := text[loc[0]:loc[1]]
		wl := utf8.RuneCountInString(word)
		if wl < minFuzzyWordLen {
			continue
		}
		lower := strings.ToLower(word)
		for _, term := range m.terms {
			tl := utf8.RuneCountInString(term)
			if tl < minFuzzyWordLen || abs(wl-tl) > maxFuzzyLenDelta {
				continue
			}
			if lower == term {
				continue // exact pass owns identical words
			}
			sim := Similarity(lower, term)
			if sim < m.cfg.FuzzyThreshold {
				continue
			}
			out = append(out, m.newMatch(m.index[term], term, text, loc[0], loc[1], MatchFuzzy, sim))
		}
	}
	return sortByPosition(dedupe(out))
}

// Similarity is the normalized edit similarity of a and b in [0,1].
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// ValidateContext sets ContextValidated on matches whose entry requires
// supporting context. Unvalidated matches are kept and left flagged.
func (m *Matcher) ValidateContext(matches []Match, text string) []Match {
	if !m.cfg.ContextAnalysis {
		return matches
	}
	lower := strings.ToLower(text)
	present := false
	for _, k := range m.context {
		if strings.Contains(lower, k) {
			present = true
			break
		}
	}
	out := slices.Clone(matches)
	for i := range out {
		if out[i].ContextRequired {
			out[i].ContextValidated = present
		}
	}
	return out
}

// CalculateScores sets FinalScore by applying exact bonus, fuzzy penalty,
// alias multiplier and context bonus, in that order.
func (m *Matcher) CalculateScores(matches []Match) []Match {
	r := m.cfg.Scoring
	out := slices.Clone(matches)
	for i := range out {
		score := out[i].Weight
		switch out[i].MatchType {
		case MatchExact:
			score *= r.ExactMatchBonus
		case MatchFuzzy:
			score *= r.FuzzyMatchPenalty
		}
		if out[i].IsAlias {
			score *= r.AliasMultiplier
		}
		if out[i].ContextRequired && out[i].ContextValidated {
			score *= r.ContextBonus
		}
		out[i].FinalScore = score
	}
	return out
}

// MatchKeywords runs every pass and aggregates the result. It is a pure
// function of the matcher configuration and text.
func (m *Matcher) MatchKeywords(text string) Result {
	all := append(m.FindExactMatches(text), m.FindFuzzyMatches(text)...)
	all = dedupe(all)
	all = m.ValidateContext(all, text)
	all = m.CalculateScores(all)
	slices.SortStableFunc(all, func(a, b Match) int {
		if c := cmp.Compare(b.FinalScore, a.FinalScore); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	res := Result{
		Matches:        all,
		ByCategory:     make(map[string][]Match),
		CategoryScores: make(map[string]float64),
		TotalMatches:   len(all),
	}
	if res.Matches == nil {
		res.Matches = []Match{}
	}
	for _, mt := range all {
		res.ByCategory[mt.Category] = append(res.ByCategory[mt.Category], mt)
		res.CategoryScores[mt.Category] += mt.FinalScore
		res.TotalScore += mt.FinalScore
	}
	return res
}

// Summarize collapses scored matches into per-keyword hits in score order.
func Summarize(matches []Match) []article.KeywordHit {
	hits := make([]article.KeywordHit, 0)
	pos := make(map[string]int)
	for _, mt := range matches {
		i, ok := pos[mt.Keyword]
		if !ok {
			i = len(hits)
			pos[mt.Keyword] = i
			hits = append(hits, article.KeywordHit{Keyword: mt.Keyword, Category: mt.Category, Contexts: []string{}})
		}
		hits[i].HitCount++
		hits[i].Score += mt.FinalScore
		if len(hits[i].Contexts) < maxStoredContexts {
			hits[i].Contexts = append(hits[i].Contexts, mt.Context)
		}
	}
	return hits
}

func (m *Matcher) newMatch(e IndexEntry, term, text string, start, end int, mt MatchType, sim float64) Match {
	return Match{
		Keyword:         e.Primary,
		MatchedText:     text[start:end],
		Term:            term,
		Category:        e.Category,
		Weight:          e.Weight,
		Position:        start,
		Context:         window(text, start, end, m.cfg.ContextWindow),
		MatchType:       mt,
		Similarity:      sim,
		IsAlias:         e.Type == TermAlias,
		ContextRequired: e.ContextRequired,
	}
}

// dedupe collapses matches sharing (Keyword, Position). Exact beats fuzzy,
// primary beats alias, and otherwise the longer matched text wins.
func dedupe(matches []Match) []Match {
	type key struct {
		kw  string
		pos int
	}
	best := make(map[key]int)
	out := make([]Match, 0, len(matches))
	for _, mt := range matches {
		k := key{mt.Keyword, mt.Position}
		i, ok := best[k]
		if !ok {
			best[k] = len(out)
			out = append(out, mt)
			continue
		}
		if preferred(mt, out[i]) {
			out[i] = mt
		}
	}
	return out
}

func preferred(a, b Match) bool {
	if a.MatchType != b.MatchType {
		return a.MatchType == MatchExact
	}
	if a.IsAlias != b.IsAlias {
		return !a.IsAlias
	}
	return len(a.MatchedText) > len(b.MatchedText)
}

func sortByPosition(matches []Match) []Match {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.Keyword, b.Keyword)
	})
	return matches
}

// wordBounded reports whether text[start:end] is not glued to adjacent word characters.
func wordBounded(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// window returns up to n bytes either side of [start,end), widened to rune
// boundaries so the context is always valid UTF-8.
func window(text string, start, end, n int) string {
	lo := max(0, start-n)
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := min(len(text), end+n)
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.TrimSpace(text[lo:hi])
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
