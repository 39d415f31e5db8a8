// Package policy loads the triage tuning file: keyword categories, scoring
// multipliers, thresholds, priority weights and duplicate detection.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/dedup"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/keywords"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

// Triage groups the decision engine settings.
type Triage struct {
	Thresholds triage.Thresholds `yaml:"thresholds"`
	Fusion     triage.Fusion     `yaml:"fusion"`
}

// Policy is the full tuning surface.
type Policy struct {
	Keywords  keywords.Config           `yaml:"keywords"`
	Triage    Triage                    `yaml:"triage"`
	Priority  escalation.PriorityConfig `yaml:"priority"`
	Dedup     dedup.Config              `yaml:"dedup"`
	Guardrail guardrail.Config          `yaml:"guardrail"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		Keywords: keywords.Config{
			Categories:      defaultCategories(),
			FuzzyMatching:   true,
			FuzzyThreshold:  keywords.DefaultFuzzyThreshold,
			ContextAnalysis: true,
			ContextKeywords: []string{"vulnerability", "exploit", "attack", "breach", "patch", "security", "compromise"},
			ContextWindow:   keywords.DefaultContextWindow,
			Scoring:         keywords.DefaultScoring(),
		},
		Triage: Triage{
			Thresholds: triage.DefaultThresholds(),
			Fusion:     triage.DefaultFusion(),
		},
		Priority: escalation.DefaultPriorityConfig(),
		Dedup: dedup.Config{
			Window:    dedup.DefaultWindow,
			Threshold: dedup.DefaultThreshold,
		},
	}
}

func defaultCategories() []keywords.Category {
	return []keywords.Category{
		{Name: "vulnerabilities", Entries: []keywords.Entry{
			{Keyword: "zero-day", Weight: 2.0, Aliases: []string{"0day", "zero day"}},
			{Keyword: "remote code execution", Weight: 1.8, Aliases: []string{"rce"}},
			{Keyword: "privilege escalation", Weight: 1.3},
			{Keyword: "vulnerability", Weight: 1.0, Aliases: []string{"vuln"}},
		}},
		{Name: "threats", Entries: []keywords.Entry{
			{Keyword: "ransomware", Weight: 2.0},
			{Keyword: "supply chain attack", Weight: 1.8},
			{Keyword: "data breach", Weight: 1.5},
			{Keyword: "phishing", Weight: 1.0},
			{Keyword: "botnet", Weight: 1.0},
			{Keyword: "malware", Weight: 1.2},
		}},
		{Name: "cloud_platforms", Entries: []keywords.Entry{
			{Keyword: "Azure", Weight: 1.0, ContextRequired: true, Aliases: []string{"Entra ID"}},
			{Keyword: "AWS", Weight: 1.0, ContextRequired: true, Aliases: []string{"Amazon Web Services"}},
			{Keyword: "Google Cloud", Weight: 1.0, ContextRequired: true, Aliases: []string{"GCP"}},
			{Keyword: "Kubernetes", Weight: 0.8, ContextRequired: true},
		}},
		{Name: "vendors", Entries: []keywords.Entry{
			{Keyword: "Fortinet", Weight: 0.8, ContextRequired: true, Aliases: []string{"FortiGate"}},
			{Keyword: "Ivanti", Weight: 0.8, ContextRequired: true},
			{Keyword: "Cisco", Weight: 0.6, ContextRequired: true},
			{Keyword: "Microsoft Exchange", Weight: 0.9, ContextRequired: true},
		}},
	}
}

// Load reads the policy file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes YAML over the defaults and validates the result. Mappings
// merge field by field; lists such as keyword categories replace the default
// list. Unknown fields are rejected.
func Parse(raw []byte) (Policy, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks ranges and cross-field constraints.
func (p Policy) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	th := p.Triage.Thresholds
	check(inUnit(th.AutoPublish), "triage.thresholds.auto_publish must be within [0,1]")
	check(inUnit(th.Review), "triage.thresholds.review must be within [0,1]")
	check(th.Review <= th.AutoPublish, "triage.thresholds.review (%v) must not exceed auto_publish (%v)", th.Review, th.AutoPublish)
	check(inUnit(p.Triage.Fusion.KeywordWeight), "triage.fusion.keyword_weight must be within [0,1]")
	check(p.Triage.Fusion.KeywordSaturation > 0, "triage.fusion.keyword_saturation must be positive")

	kw := p.Keywords
	check(len(kw.Categories) > 0, "keywords.categories must not be empty")
	check(kw.FuzzyThreshold > 0 && kw.FuzzyThreshold <= 1, "keywords.fuzzy_threshold must be within (0,1]")
	check(kw.ContextWindow >= 0, "keywords.context_window must not be negative")
	for _, c := range kw.Categories {
		check(strings.TrimSpace(c.Name) != "", "keywords: category name is required")
		for _, e := range c.Entries {
			check(strings.TrimSpace(e.Keyword) != "", "keywords.%s: entry keyword is required", c.Name)
			check(e.Weight >= 0 && !math.IsInf(e.Weight, 0) && !math.IsNaN(e.Weight), "keywords.%s.%s: weight must be a non-negative number", c.Name, e.Keyword)
		}
	}
	sc := kw.Scoring
	for name, v := range map[string]float64{
		"exact_match_bonus":   sc.ExactMatchBonus,
		"fuzzy_match_penalty": sc.FuzzyMatchPenalty,
		"alias_multiplier":    sc.AliasMultiplier,
		"context_bonus":       sc.ContextBonus,
	} {
		check(v >= 0 && !math.IsNaN(v), "keywords.scoring.%s must not be negative", name)
	}

	pr := p.Priority
	check(inUnit(pr.RelevancyWeight), "priority.relevancy_weight must be within [0,1]")
	check(pr.DecayHalfLife > 0, "priority.decay_half_life must be positive")
	check(pr.DecayGrace >= 0, "priority.decay_grace must not be negative")
	check(inUnit(pr.DecayFloor), "priority.decay_floor must be within [0,1]")
	for r, m := range pr.ReasonMultipliers {
		check(r.Valid(), "priority.reason_multipliers: unknown reason %q", r)
		check(m >= 0, "priority.reason_multipliers.%s must not be negative", r)
	}

	check(p.Dedup.Window >= 0, "dedup.window must not be negative")
	check(p.Dedup.Threshold > 0 && p.Dedup.Threshold <= 1, "dedup.threshold must be within (0,1]")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", article.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
