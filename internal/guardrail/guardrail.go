// Package guardrail runs content safety checks that are independent of
// relevancy: personal data in the text and malformed vulnerability IDs.
package guardrail

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Flags. The prefix carries the severity class.
const (
	FlagPIIEmail      = "pii_email"
	FlagPIIPhone      = "pii_phone"
	FlagPIISSN        = "pii_ssn"
	FlagPIICreditCard = "pii_credit_card"
	FlagMalformedCVE  = "malformed_cve"
)

const piiPrefix = "pii_"

// Result is the outcome of a guardrail check.
type Result struct {
	Passed bool     `json:"passed"`
	Flags  []string `json:"flags"`
}

// HasPII reports whether any flag is a personal-data finding.
func (r Result) HasPII() bool {
	return slices.ContainsFunc(r.Flags, IsPII)
}

// IsPII reports whether flag is a personal-data finding.
func IsPII(flag string) bool {
	return strings.HasPrefix(flag, piiPrefix)
}

// Config toggles individual checks and exempts known-public addresses.
type Config struct {
	DisablePII       bool     `yaml:"disable_pii"`
	DisableCVE       bool     `yaml:"disable_cve"`
	AllowedEmailDoms []string `yaml:"allowed_email_domains"`
}

var (
	emailRe    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@([a-z0-9\-]+(?:\.[a-z0-9\-]+)*\.[a-z]{2,})\b`)
	phoneRe    = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)
	ssnRe      = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardRe     = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	cveLikeRe  = regexp.MustCompile(`(?i)\bCVE[\-_ ]?\d+(?:[\-_]\d+)*`)
	cveValidRe = regexp.MustCompile(`(?i)^CVE-(\d{4})-\d{4,7}$`)
)

// Checker implements the pipeline guardrail.
type Checker struct {
	cfg     Config
	allowed map[string]bool
}

// New returns a Checker.
func New(cfg Config) *Checker {
	c := &Checker{cfg: cfg, allowed: make(map[string]bool)}
	for _, d := range cfg.AllowedEmailDoms {
		c.allowed[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return c
}

// Check scans text and the extracted entities. It fails when any flag is
// raised. Flags are sorted and unique.
func (c *Checker) Check(_ context.Context, text string, entities article.Entities) (Result, error) {
	var flags []string
	if !c.cfg.DisablePII {
		flags = append(flags, c.piiFlags(text)...)
	}
	if !c.cfg.DisableCVE {
		if hasMalformedCVE(text, entities.CVEs) {
			flags = append(flags, FlagMalformedCVE)
		}
	}
	slices.Sort(flags)
	flags = slices.Compact(flags)
	if flags == nil {
		flags = []string{}
	}
	return Result{Passed: len(flags) == 0, Flags: flags}, nil
}

func (c *Checker) piiFlags(text string) []string {
	var flags []string
	for _, m := range emailRe.FindAllStringSubmatch(text, -1) {
		if !c.allowed[strings.ToLower(m[1])] {
			flags = append(flags, FlagPIIEmail)
			break
		}
	}
	if ssnRe.MatchString(text) {
		flags = append(flags, FlagPIISSN)
	}
	if phoneRe.MatchString(text) {
		flags = append(flags, FlagPIIPhone)
	}
	for _, m := range cardRe.FindAllString(text, -1) {
		if luhn(m) {
			flags = append(flags, FlagPIICreditCard)
			break
		}
	}
	return flags
}

func hasMalformedCVE(text string, cves []string) bool {
	for _, id := range cves {
		if !validCVE(id) {
			return true
		}
	}
	for _, m := range cveLikeRe.FindAllString(text, -1) {
		if !validCVE(m) {
			return true
		}
	}
	return false
}

func validCVE(id string) bool {
	m := cveValidRe.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return false
	}
	year, _ := strconv.Atoi(m[1])
	return year >= 1999
}

// luhn validates a card-number candidate, ignoring separators.
func luhn(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
