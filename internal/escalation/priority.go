package escalation

import (
	"math"
	"strings"
	"time"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// EntityWeights are the per-entity contributions to the entity signal.
type EntityWeights struct {
	CVE         float64 `yaml:"cve"`
	ThreatActor float64 `yaml:"threat_actor"`
	Malware     float64 `yaml:"malware"`
	Other       float64 `yaml:"other"`
	Cap         float64 `yaml:"cap"`
}

// PriorityConfig tunes CalculatePriorityScore.
type PriorityConfig struct {
	RelevancyWeight   float64                              `yaml:"relevancy_weight"`
	Entities          EntityWeights                        `yaml:"entities"`
	GuardrailCap      float64                              `yaml:"guardrail_cap"`
	FlagSeverity      map[string]float64                   `yaml:"flag_severity"`
	DefaultFlagWeight float64                              `yaml:"default_flag_weight"`
	ReasonMultipliers map[article.EscalationReason]float64 `yaml:"reason_multipliers"`
	DecayGrace        time.Duration                        `yaml:"decay_grace"`
	DecayHalfLife     time.Duration                        `yaml:"decay_half_life"`
	DecayFloor        float64                              `yaml:"decay_floor"`
}

// DefaultPriorityConfig returns the stock weights.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		RelevancyWeight: 0.5,
		Entities: EntityWeights{
			CVE:         0.06,
			ThreatActor: 0.06,
			Malware:     0.04,
			Other:       0.01,
			Cap:         0.25,
		},
		GuardrailCap: 0.2,
		FlagSeverity: map[string]float64{
			"pii":       0.1,
			"malformed": 0.03,
		},
		DefaultFlagWeight: 0.05,
		ReasonMultipliers: map[article.EscalationReason]float64{
			article.ReasonSensitiveContent:      1.8,
			article.ReasonGuardrailViolation:    1.3,
			article.ReasonLowConfidence:         1.0,
			article.ReasonManualReviewRequested: 1.0,
			article.ReasonOther:                 1.0,
		},
		DecayGrace:    24 * time.Hour,
		DecayHalfLife: 72 * time.Hour,
		DecayFloor:    0.3,
	}
}

// Signals is the article snapshot the calculator reads. Zero values
// contribute nothing.
type Signals struct {
	RelevancyScore float64
	Entities       article.Entities
	GuardrailFlags []string
	PublishedAt    time.Time
}

// SignalsFrom extracts Signals from an article.
func SignalsFrom(a *article.Article) Signals {
	if a == nil {
		return Signals{}
	}
	return Signals{
		RelevancyScore: a.RelevancyScore,
		Entities:       a.Entities,
		GuardrailFlags: a.GuardrailFlags,
		PublishedAt:    a.PublishedAt,
	}
}

// PriorityCalculator turns article signals into a bounded priority score.
type PriorityCalculator struct {
	cfg PriorityConfig
	now func() time.Time
}

// NewPriorityCalculator creates a calculator. A nil clock uses time.Now.
func NewPriorityCalculator(cfg PriorityConfig, now func() time.Time) *PriorityCalculator {
	if now == nil {
		now = time.Now
	}
	return &PriorityCalculator{cfg: cfg, now: now}
}

// CalculatePriorityScore returns a score in [0,1]. For a fixed clock the
// result depends only on s and reason.
func (p *PriorityCalculator) CalculatePriorityScore(s Signals, reason article.EscalationReason) float64 {
	base := p.cfg.RelevancyWeight*unit(s.RelevancyScore) +
		p.entitySignal(s.Entities) +
		p.guardrailSignal(s.GuardrailFlags)

	mult, ok := p.cfg.ReasonMultipliers[reason]
	if !ok || !finite(mult) || mult < 0 {
		mult = 1.0
	}
	return clamp(base * mult * p.decay(s.PublishedAt))
}

func (p *PriorityCalculator) entitySignal(e article.Entities) float64 {
	w := p.cfg.Entities
	sig := w.CVE*float64(len(e.CVEs)) +
		w.ThreatActor*float64(len(e.ThreatActors)) +
		w.Malware*float64(len(e.Malware)) +
		w.Other*float64(len(e.Vendors)+len(e.Products)+len(e.Sectors)+len(e.Countries))
	return math.Min(sig, w.Cap)
}

func (p *PriorityCalculator) guardrailSignal(flags []string) float64 {
	var sig float64
	for _, f := range flags {
		sig += p.flagWeight(f)
	}
	return math.Min(sig, p.cfg.GuardrailCap)
}

// flagWeight matches a flag like "pii_email" against severity prefixes.
func (p *PriorityCalculator) flagWeight(flag string) float64 {
	flag = strings.ToLower(flag)
	best, found := 0.0, false
	for prefix, w := range p.cfg.FlagSeverity {
		if strings.HasPrefix(flag, prefix) && (!found || w > best) {
			best, found = w, true
		}
	}
	if !found {
		return p.cfg.DefaultFlagWeight
	}
	return best
}

// decay is 1 inside the grace period, halves every half-life after it and
// never drops below the floor. A zero timestamp is neutral.
func (p *PriorityCalculator) decay(publishedAt time.Time) float64 {
	if publishedAt.IsZero() || p.cfg.DecayHalfLife <= 0 {
		return 1.0
	}
	age := p.now().Sub(publishedAt) - p.cfg.DecayGrace
	if age <= 0 {
		return 1.0
	}
	f := math.Pow(0.5, age.Hours()/p.cfg.DecayHalfLife.Hours())
	return math.Max(f, p.cfg.DecayFloor)
}

// ParsePublishedAt accepts the timestamp layouts feeds commonly use. An
// unparseable value returns the zero time, which decays neutrally.
func ParsePublishedAt(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"2006-01-02 15:04:05",
		time.DateOnly,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func unit(x float64) float64 {
	if !finite(x) {
		return 0
	}
	return clamp(x)
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
