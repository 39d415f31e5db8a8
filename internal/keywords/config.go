package keywords

// Entry is one configured keyword and its aliases.
type Entry struct {
	Keyword         string   `yaml:"keyword"`
	Weight          float64  `yaml:"weight"`
	ContextRequired bool     `yaml:"context_required"`
	Aliases         []string `yaml:"aliases"`
}

// Category groups entries under a reporting label (cloud_platforms, vulnerabilities, ...).
type Category struct {
	Name    string  `yaml:"name"`
	Entries []Entry `yaml:"entries"`
}

// ScoringRules are the multipliers applied by CalculateScores, in field order.
type ScoringRules struct {
	ExactMatchBonus   float64 `yaml:"exact_match_bonus"`
	FuzzyMatchPenalty float64 `yaml:"fuzzy_match_penalty"`
	AliasMultiplier   float64 `yaml:"alias_multiplier"`
	ContextBonus      float64 `yaml:"context_bonus"`
}

// Config drives index construction and matching.
type Config struct {
	Categories      []Category   `yaml:"categories"`
	FuzzyMatching   bool         `yaml:"fuzzy_matching"`
	FuzzyThreshold  float64      `yaml:"fuzzy_threshold"`
	ContextAnalysis bool         `yaml:"context_analysis"`
	ContextKeywords []string     `yaml:"context_keywords"`
	ContextWindow   int          `yaml:"context_window"`
	Scoring         ScoringRules `yaml:"scoring"`
}

const (
	DefaultFuzzyThreshold = 0.8
	DefaultContextWindow  = 50
	DefaultAliasWeight    = 0.8
)

// DefaultScoring returns the stock multipliers.
func DefaultScoring() ScoringRules {
	return ScoringRules{
		ExactMatchBonus:   1.2,
		FuzzyMatchPenalty: 0.7,
		AliasMultiplier:   DefaultAliasWeight,
		ContextBonus:      1.3,
	}
}

// withDefaults fills zero values so a sparse YAML file still yields a usable matcher.
func (c Config) withDefaults() Config {
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	d := DefaultScoring()
	if c.Scoring.ExactMatchBonus == 0 {
		c.Scoring.ExactMatchBonus = d.ExactMatchBonus
	}
	if c.Scoring.FuzzyMatchPenalty == 0 {
		c.Scoring.FuzzyMatchPenalty = d.FuzzyMatchPenalty
	}
	if c.Scoring.AliasMultiplier == 0 {
		c.Scoring.AliasMultiplier = d.AliasMultiplier
	}
	if c.Scoring.ContextBonus == 0 {
		c.Scoring.ContextBonus = d.ContextBonus
	}
	return c
}
