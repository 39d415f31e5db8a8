// Package slack sends escalation and publication notices to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
)

const (
	maxSectionLen = 3000
	maxHeaderLen  = 150
	httpTimeout   = 10 * time.Second
)

// Notifier posts notices to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty every send is a
// successful no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// SendEscalationNotice tells reviewers an article joined the queue.
func (n *Notifier) SendEscalationNotice(ctx context.Context, notice escalation.Notice) error {
	if err := n.post(ctx, escalationMessage(notice)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack escalation notice sent", "article_id", notice.ArticleID, "escalation_id", notice.EscalationID)
	return nil
}

// SendPublicationNotice announces an approved article.
func (n *Notifier) SendPublicationNotice(ctx context.Context, a *article.Article) error {
	if err := n.post(ctx, publicationMessage(a)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack publication notice sent", "article_id", a.ID)
	return nil
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: slack: marshal message: %w", article.ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("%w: slack: post webhook: %w", article.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: slack: webhook returned %d: %s", article.ErrUpstream, resp.StatusCode, string(respBody))
	}
	return nil
}

func escalationMessage(n escalation.Notice) map[string]any {
	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*Reason:* %s", n.Reason)),
		mrkdwn(fmt.Sprintf("*Priority:* %.2f", n.PriorityScore)),
		mrkdwn(fmt.Sprintf("*Queue position:* %d", n.Position)),
		mrkdwn(fmt.Sprintf("*Requested by:* %s", orDash(escape(n.Requester)))),
	}

	blocks := []map[string]any{
		header(fmt.Sprintf("%s Review needed: %s", priorityEmoji(n.PriorityScore), orUntitled(n.Title))),
		{"type": "section", "fields": fields},
	}
	if link := articleLink(n.URL); link != "" {
		blocks = append(blocks, section(link))
	}
	if note := strings.TrimSpace(n.Note); note != "" {
		blocks = append(blocks, section("*Note*\n"+escape(truncate(note, maxSectionLen-16))))
	}
	blocks = append(blocks, footer(fmt.Sprintf("sentinel • escalation %s • article %s", n.EscalationID, n.ArticleID), n.CreatedAt))
	return map[string]any{"blocks": blocks}
}

func publicationMessage(a *article.Article) map[string]any {
	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*Relevancy:* %.2f", a.RelevancyScore)),
		mrkdwn(fmt.Sprintf("*Confidence:* %.2f", a.Confidence)),
		mrkdwn(fmt.Sprintf("*Source:* %s", orDash(escape(a.Source)))),
		mrkdwn(fmt.Sprintf("*Tags:* %s", orDash(escape(strings.Join(a.Tags, ", "))))),
	}
	if len(a.Entities.CVEs) > 0 {
		fields = append(fields, mrkdwn(fmt.Sprintf("*CVEs:* %s", escape(strings.Join(a.Entities.CVEs, ", ")))))
	}

	summary := a.Summary
	if summary == "" {
		summary = "_No summary available._"
	} else {
		summary = escape(truncate(summary, maxSectionLen-16))
	}

	blocks := []map[string]any{
		header("\U0001f4f0 Published: " + orUntitled(a.Title)),
		{"type": "divider"},
		{"type": "section", "fields": fields},
		section("*Summary*\n" + summary),
	}
	if link := articleLink(a.URL); link != "" {
		blocks = append(blocks, section(link))
	}
	ts := a.UpdatedAt
	if ts.IsZero() {
		ts = a.CreatedAt
	}
	blocks = append(blocks, footer(fmt.Sprintf("sentinel • article %s • v%d", a.ID, a.Version), ts))
	return map[string]any{"blocks": blocks}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": truncate(text, maxHeaderLen)},
	}
}

func section(text string) map[string]any {
	return map[string]any{"type": "section", "text": mrkdwn(text)}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func footer(text string, ts time.Time) map[string]any {
	if !ts.IsZero() {
		text += " • " + ts.UTC().Format("2006-01-02 15:04 UTC")
	}
	return map[string]any{"type": "context", "elements": []map[string]any{mrkdwn(text)}}
}

// articleLink renders an http(s) URL as a Slack link; anything else is dropped.
func articleLink(u string) string {
	if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		return ""
	}
	if strings.ContainsAny(u, "<>| \n") {
		return ""
	}
	return fmt.Sprintf("<%s|Read the article>", u)
}

func priorityEmoji(score float64) string {
	switch {
	case score >= 0.8:
		return "\U0001f534" // red circle
	case score >= 0.5:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return mrkdwnEscaper.Replace(s) }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func orUntitled(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "(untitled)"
	}
	return s
}

// truncate cuts s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
