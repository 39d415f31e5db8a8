package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

var errNoVerdict = errors.New("no record_evaluation tool call in response")

type verdict struct {
	RelevancyScore *float64         `json:"relevancy_score"`
	Confidence     *float64         `json:"confidence"`
	Rationale      string           `json:"rationale"`
	Summary        string           `json:"summary"`
	Tags           []string         `json:"tags"`
	Entities       article.Entities `json:"entities"`
}

// fromSDKResponse pulls the tool call out of msg and checks it.
func fromSDKResponse(msg *anthropic.Message) (*triage.Evaluation, error) {
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != evaluationToolName {
			continue
		}
		var v verdict
		if err := json.Unmarshal(block.Input, &v); err != nil {
			return nil, fmt.Errorf("%w: decode verdict: %w", article.ErrUpstream, err)
		}
		if err := checkUnit("relevancy_score", v.RelevancyScore); err != nil {
			return nil, err
		}
		if err := checkUnit("confidence", v.Confidence); err != nil {
			return nil, err
		}
		return &triage.Evaluation{
			RelevancyScore: *v.RelevancyScore,
			Confidence:     *v.Confidence,
			Rationale:      v.Rationale,
			Summary:        v.Summary,
			Tags:           v.Tags,
			Entities:       article.NewEntities(v.Entities),
			Model:          string(msg.Model),
			TokensIn:       int(msg.Usage.InputTokens),
			TokensOut:      int(msg.Usage.OutputTokens),
		}, nil
	}
	return nil, fmt.Errorf("%w: %w (stop_reason %s)", article.ErrUpstream, errNoVerdict, msg.StopReason)
}

func checkUnit(field string, v *float64) error {
	switch {
	case v == nil:
		return fmt.Errorf("%w: verdict missing %s", article.ErrUpstream, field)
	case math.IsNaN(*v) || *v < 0 || *v > 1:
		return fmt.Errorf("%w: verdict %s %v outside [0,1]", article.ErrUpstream, field, *v)
	}
	return nil
}
