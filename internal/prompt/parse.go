package prompt

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/model"
)

// ReviewVerdict is a parsed reviewer reply.
type ReviewVerdict struct {
	Passed bool     `json:"passed"`
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

// AdjudicationVerdict is a parsed adjudicator reply.
type AdjudicationVerdict struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
	Overrides []struct {
		VerifierID string `json:"verifier_id"`
		Passed     bool   `json:"passed"`
	} `json:"overrides"`
}

// GroundingVerdict is a parsed grounding reply.
type GroundingVerdict struct {
	Score       float64  `json:"score"`
	Unsupported []string `json:"unsupported"`
}

// ParseReview decodes a reviewer reply. A missing score defaults to 1 for a
// pass and 0 for a fail.
func ParseReview(text string) (ReviewVerdict, error) {
	var v ReviewVerdict
	if err := json.Unmarshal([]byte(CleanJSON(text)), &v); err != nil {
		return ReviewVerdict{}, eris.Wrap(err, "prompt: parse review")
	}
	if v.Score == nil {
		s := 0.0
		if v.Passed {
			s = 1.0
		}
		v.Score = &s
	}
	*v.Score = model.Clamp01(*v.Score)
	return v, nil
}

// ParseAdjudication decodes an adjudicator reply.
func ParseAdjudication(text string) (AdjudicationVerdict, error) {
	var v AdjudicationVerdict
	if err := json.Unmarshal([]byte(CleanJSON(text)), &v); err != nil {
		return AdjudicationVerdict{}, eris.Wrap(err, "prompt: parse adjudication")
	}
	return v, nil
}

// ParseGrounding decodes a grounding reply; the score is clamped to [0,1].
// A reply without a score is an error, not a zero.
func ParseGrounding(text string) (GroundingVerdict, error) {
	var raw struct {
		Score       *float64 `json:"score"`
		Unsupported []string `json:"unsupported"`
	}
	if err := json.Unmarshal([]byte(CleanJSON(text)), &raw); err != nil {
		return GroundingVerdict{}, eris.Wrap(err, "prompt: parse grounding")
	}
	if raw.Score == nil {
		return GroundingVerdict{}, eris.New("prompt: parse grounding: missing score")
	}
	return GroundingVerdict{Score: model.Clamp01(*raw.Score), Unsupported: raw.Unsupported}, nil
}

// CleanJSON strips markdown fences and surrounding prose from a model reply,
// keeping the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// StripCodeFences removes a single surrounding markdown fence from generated
// code, if present.
func StripCodeFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return text
	}
	body := t[nl+1:]
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimRight(body, "\n") + "\n"
}
