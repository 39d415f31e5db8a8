package claude

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

const evaluationToolName = "record_evaluation"

const systemPrompt = `You triage cybersecurity news for a threat intelligence team.
For each article decide how relevant it is to defenders: new vulnerabilities,
active exploitation, threat actor activity, malware campaigns, breaches and
vendor security advisories score high; marketing, opinion pieces and general
technology news score low.

Extract only entities that are named in the text. Do not guess CVE numbers.
Always answer by calling the record_evaluation tool exactly once.`

func stringArray(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

func evaluationTool() anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
		Name:        evaluationToolName,
		Description: anthropic.String("Record the relevancy verdict and extracted entities for one article."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"relevancy_score": map[string]any{
					"type": "number", "minimum": 0, "maximum": 1,
					"description": "0 is irrelevant, 1 is must-read for defenders",
				},
				"confidence": map[string]any{
					"type": "number", "minimum": 0, "maximum": 1,
					"description": "how sure you are of the score",
				},
				"rationale": map[string]any{"type": "string", "description": "one or two sentences"},
				"summary":   map[string]any{"type": "string", "description": "neutral two sentence summary"},
				"tags":      stringArray("short lowercase topic tags"),
				"entities": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"cves":          stringArray("CVE identifiers, e.g. CVE-2024-3400"),
						"threat_actors": stringArray("named groups or actors"),
						"malware":       stringArray("malware or tool families"),
						"vendors":       stringArray("affected vendors"),
						"products":      stringArray("affected products"),
						"sectors":       stringArray("targeted industry sectors"),
						"countries":     stringArray("targeted or attributed countries"),
					},
				},
			},
			Required: []string{"relevancy_score", "confidence", "rationale", "entities"},
		},
	}}
}

func userPrompt(c triage.Content, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	if c.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", c.Source)
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", c.URL)
	}
	b.WriteString("\n")
	b.WriteString(truncate(c.Text, maxChars))
	return b.String()
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}
