// Package dedup detects near-identical stories by normalized URL, content
// fingerprint and title similarity.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Kind says which signal identified a duplicate.
type Kind string

const (
	KindNone        Kind = ""
	KindURL         Kind = "url"
	KindFingerprint Kind = "fingerprint"
	KindTitle       Kind = "title"
)

const (
	DefaultWindow    = 72 * time.Hour
	DefaultThreshold = 0.8
	recentLimit      = 500
	shingleSize      = 2
)

// Config tunes near-duplicate detection.
type Config struct {
	Window    time.Duration `yaml:"window"`
	Threshold float64       `yaml:"threshold"`
}

// Lookup is the slice of article.Store the checker reads.
type Lookup interface {
	FindByURLKey(ctx context.Context, key string) (*article.Article, bool, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*article.Article, bool, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*article.Article, error)
}

// Result is the outcome of Check.
type Result struct {
	Duplicate  bool    `json:"is_duplicate"`
	Kind       Kind    `json:"kind,omitempty"`
	OriginalID string  `json:"original_id,omitempty"`
	ClusterID  string  `json:"cluster_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Checker finds an earlier article the candidate duplicates.
type Checker struct {
	store Lookup
	cfg   Config
	now   func() time.Time
}

// New creates a Checker. Zero config fields take their defaults.
func New(store Lookup, cfg Config, now func() time.Time) *Checker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Checker{store: store, cfg: cfg, now: now}
}

// Check compares a against stored articles: exact URL key first, then exact
// content fingerprint, then title shingle similarity within the window.
// The article itself is never reported as its own duplicate.
func (c *Checker) Check(ctx context.Context, a *article.Article) (Result, error) {
	if orig, ok, err := c.store.FindByURLKey(ctx, a.URLKey); err != nil {
		return Result{}, fmt.Errorf("dedup: url lookup: %w", err)
	} else if ok && orig.ID != a.ID {
		return duplicateOf(orig, KindURL, 1), nil
	}

	if orig, ok, err := c.store.FindByFingerprint(ctx, a.Fingerprint); err != nil {
		return Result{}, fmt.Errorf("dedup: fingerprint lookup: %w", err)
	} else if ok && orig.ID != a.ID {
		return duplicateOf(orig, KindFingerprint, 1), nil
	}

	want := Shingles(a.Title)
	if len(want) == 0 {
		return Result{}, nil
	}
	recent, err := c.store.ListRecent(ctx, c.now().Add(-c.cfg.Window), recentLimit)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: list recent: %w", err)
	}

	var (
		best    *article.Article
		bestSim float64
	)
	for _, r := range recent {
		if r.ID == a.ID || r.IsDuplicate {
			continue
		}
		if sim := Jaccard(want, Shingles(r.Title)); sim >= c.cfg.Threshold && sim > bestSim {
			best, bestSim = r, sim
		}
	}
	if best == nil {
		return Result{}, nil
	}
	return duplicateOf(best, KindTitle, bestSim), nil
}

func duplicateOf(orig *article.Article, kind Kind, sim float64) Result {
	cluster := orig.ClusterID
	if cluster == "" {
		cluster = orig.ID
	}
	return Result{
		Duplicate:  true,
		Kind:       kind,
		OriginalID: orig.ID,
		ClusterID:  cluster,
		Similarity: sim,
	}
}

// NormalizeURL lowercases scheme and host, removes the fragment, tracking
// parameters and a trailing slash, and sorts the query. Only absolute http(s)
// URLs are accepted.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", article.ErrValidation)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", article.ErrValidation, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported URL scheme %q", article.ErrValidation, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", article.ErrValidation)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				if buf.Len() > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}
	parsed.ForceQuery = false

	return parsed.String(), nil
}

func isTrackingParam(k string) bool {
	k = strings.ToLower(k)
	return strings.HasPrefix(k, "utm_") || k == "fbclid" || k == "gclid" || k == "mc_cid" || k == "mc_eid"
}

// Fingerprint hashes the whitespace- and case-folded text. Empty text has
// an empty fingerprint.
func Fingerprint(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(words, " ")))
	return hex.EncodeToString(sum[:])
}

// Shingles returns the set of word bigrams of a title, ignoring case and
// punctuation. One-word titles yield a single shingle.
func Shingles(title string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{})
	if len(words) == 0 {
		return out
	}
	if len(words) < shingleSize {
		out[words[0]] = struct{}{}
		return out
	}
	for i := 0; i+shingleSize <= len(words); i++ {
		out[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
