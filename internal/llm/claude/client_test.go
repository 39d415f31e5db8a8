package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

func toolMessage(input string) *anthropic.Message {
	return &anthropic.Message{
		Model: "claude-test",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "recording"},
			{Type: "tool_use", ID: "tu-1", Name: evaluationToolName, Input: json.RawMessage(input)},
		},
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 1234, OutputTokens: 56},
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	ev, err := fromSDKResponse(toolMessage(`{
		"relevancy_score": 0.91, "confidence": 0.8, "rationale": "active exploitation",
		"summary": "Attackers exploit a firewall bug.", "tags": ["zero-day"],
		"entities": {"cves": ["CVE-2024-3400", "CVE-2024-3400"], "vendors": ["Palo Alto Networks"]}
	}`))
	if err != nil {
		t.Fatalf("fromSDKResponse: %v", err)
	}
	if ev.RelevancyScore != 0.91 || ev.Confidence != 0.8 || ev.Rationale != "active exploitation" {
		t.Errorf("ev = %+v", ev)
	}
	if len(ev.Entities.CVEs) != 1 || ev.Entities.Malware == nil {
		t.Errorf("entities not normalised: %+v", ev.Entities)
	}
	if ev.Model != "claude-test" || ev.TokensIn != 1234 || ev.TokensOut != 56 {
		t.Errorf("model/usage = %q %d/%d", ev.Model, ev.TokensIn, ev.TokensOut)
	}
}

func TestFromSDKResponse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *anthropic.Message
	}{
		{"text only", &anthropic.Message{
			Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: "0.9"}},
			StopReason: anthropic.StopReasonEndTurn,
		}},
		{"other tool", &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{{Type: "tool_use", Name: "lookup", Input: json.RawMessage(`{}`)}},
		}},
		{"bad json", toolMessage(`{"relevancy_score": "high"}`)},
		{"missing score", toolMessage(`{"confidence": 0.5, "rationale": "x", "entities": {}}`)},
		{"missing confidence", toolMessage(`{"relevancy_score": 0.5, "rationale": "x", "entities": {}}`)},
		{"score above one", toolMessage(`{"relevancy_score": 1.5, "confidence": 0.5, "entities": {}}`)},
		{"negative confidence", toolMessage(`{"relevancy_score": 0.5, "confidence": -0.1, "entities": {}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := fromSDKResponse(tt.msg)
			if !errors.Is(err, article.ErrUpstream) {
				t.Errorf("err = %v, want ErrUpstream", err)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	// "é" is two bytes; a cut at 2 would split it
	got := truncate("aéb", 2)
	if got != "a\n[truncated]" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("anything", 0); got != "anything" {
		t.Errorf("truncate with no limit = %q", got)
	}
}

func TestUserPrompt(t *testing.T) {
	t.Parallel()

	p := userPrompt(triage.Content{Title: "Ransomware hits hospitals", Source: "feed", Text: strings.Repeat("x", 50)}, 20)
	if !strings.HasPrefix(p, "Title: Ransomware hits hospitals\nSource: feed\n") {
		t.Errorf("prompt header = %q", p)
	}
	if strings.Contains(p, "URL:") {
		t.Error("empty URL should be omitted")
	}
	if !strings.HasSuffix(p, "[truncated]") {
		t.Error("long text should be truncated")
	}
}

const okResponse = `{
	"id": "msg_01", "type": "message", "role": "assistant", "model": "claude-test",
	"content": [{"type": "tool_use", "id": "tu_01", "name": "record_evaluation",
		"input": {"relevancy_score": 0.7, "confidence": 0.9, "rationale": "new CVE", "entities": {"cves": ["CVE-2026-0001"]}}}],
	"stop_reason": "tool_use", "stop_sequence": null,
	"usage": {"input_tokens": 100, "output_tokens": 20}
}`

func TestEvaluate_RoundTrip(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "sk-test" {
			t.Errorf("api key = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okResponse)
	}))
	t.Cleanup(srv.Close)

	e := New("sk-test", "claude-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	ev, err := e.Evaluate(context.Background(), triage.Content{Title: "CVE-2026-0001 in widget", Text: "details"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.RelevancyScore != 0.7 || ev.Entities.CVEs[0] != "CVE-2026-0001" || ev.TokensIn != 100 {
		t.Errorf("ev = %+v", ev)
	}

	if body["model"] != "claude-test" {
		t.Errorf("model = %v", body["model"])
	}
	tc, _ := body["tool_choice"].(map[string]any)
	if tc["type"] != "tool" || tc["name"] != evaluationToolName {
		t.Errorf("tool_choice = %v", body["tool_choice"])
	}
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		upstream bool
	}{
		{"overloaded", 529, true},
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
			}))
			t.Cleanup(srv.Close)

			e := New("sk-test", "claude-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
			_, err := e.Evaluate(context.Background(), triage.Content{Title: "t"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, article.ErrUpstream); got != tt.upstream {
				t.Errorf("ErrUpstream = %v, want %v (err %v)", got, tt.upstream, err)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1; retries belong to the caller", calls.Load())
			}
		})
	}
}
