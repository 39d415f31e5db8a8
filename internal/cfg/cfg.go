package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/authmw"
)

// Config is the process configuration for the sentinel server. Flag names
// are kebab-case; the matching SENTINEL_ env vars are filled by main.
type Config struct {
	// shutdown
	DrainSeconds          int
	ShutdownBudgetSeconds int

	APIPort int
	EnvFile string

	// storage
	DatabaseURL       string
	DBMaxConns        int
	DBSlowQueryMillis int

	// relevancy evaluation
	ClaudeAPIKey         string
	ClaudeModel          string
	ClaudeTimeoutSeconds int
	LLMMaxAttempts       int

	SlackWebhookURL string
	PolicyFile      string
	APITokens       string
}

// RegisterFlags binds Config fields to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds readiness reports draining before listeners stop (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "seconds shared by all component shutdowns, must exceed drain-seconds (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "review API listen port (1..65535)")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before environment lookup")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL URL for the article store (empty = in-memory)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 50, "log successful queries slower than this many milliseconds (0 = log all)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Anthropic API key for relevancy evaluation")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for relevancy evaluation")
	fs.IntVar(&c.ClaudeTimeoutSeconds, "claude-timeout-seconds", 60, "per-attempt timeout for Claude calls (1..600)")
	fs.IntVar(&c.LLMMaxAttempts, "llm-max-attempts", 3, "attempts per LLM evaluation including the first (1..10)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation and publication notices")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML triage policy (empty = built-in defaults)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated reviewer:token pairs for the API")
}

// ClaudeTimeout returns the per-attempt LLM timeout.
func (c *Config) ClaudeTimeout() time.Duration {
	return time.Duration(c.ClaudeTimeoutSeconds) * time.Second
}

// SlowQuery returns the query logging threshold.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMillis) * time.Millisecond
}

// Tokens parses APITokens into reviewer name to token.
func (c *Config) Tokens() (map[string]string, error) {
	return authmw.ParseTokens(c.APITokens)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	within := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be %d..%d)", name, v, lo, hi))
		}
	}
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be >= 0)", name, v))
		}
	}
	required := func(name, v string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	within("DRAIN_SECONDS", c.DrainSeconds, 1, 300)
	within("SHUTDOWN_BUDGET_SECONDS", c.ShutdownBudgetSeconds, 1, 300)
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	within("HTTP_PORT", c.APIPort, 1, 65535)

	nonNegative("DB_MAX_CONNS", c.DBMaxConns)
	nonNegative("DB_SLOW_QUERY_MS", c.DBSlowQueryMillis)

	required("CLAUDE_API_KEY", c.ClaudeAPIKey)
	required("CLAUDE_MODEL", c.ClaudeModel)
	within("CLAUDE_TIMEOUT_SECONDS", c.ClaudeTimeoutSeconds, 1, 600)
	within("LLM_MAX_ATTEMPTS", c.LLMMaxAttempts, 1, 10)

	// reviewers are identified by token, so an empty list is an error too
	if _, err := c.Tokens(); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	}

	return errors.Join(errs...)
}
