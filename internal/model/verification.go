package model

import (
	"math"
	"time"
)

// Hallucination scoring weights and acceptance threshold.
const (
	GroundingWeight        = 0.6
	ConsistencyWeight      = 0.4
	HallucinationThreshold = 0.8
)

// VerificationResult is a single reviewer's judgment of generated code.
type VerificationResult struct {
	VerifierID string    `json:"verifier_id"`
	Passed     bool      `json:"passed"`
	Issues     []string  `json:"issues,omitempty"`
	Score      float64   `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
}

// HallucinationScore combines grounding and self-consistency.
type HallucinationScore struct {
	Grounding   float64 `json:"grounding"`
	Consistency float64 `json:"consistency"`
	Combined    float64 `json:"combined"`
	Accepted    bool    `json:"accepted"`
}

// NewHallucinationScore clamps both inputs to [0,1] and derives the
// combined score against the given threshold.
func NewHallucinationScore(grounding, consistency, threshold float64) HallucinationScore {
	g := Clamp01(grounding)
	c := Clamp01(consistency)
	// Rounded so that scores sitting exactly on the threshold compare equal.
	combined := math.Round((GroundingWeight*g+ConsistencyWeight*c)*1e9) / 1e9
	return HallucinationScore{
		Grounding:   g,
		Consistency: c,
		Combined:    combined,
		Accepted:    combined >= threshold,
	}
}

// Clamp01 bounds v to the closed unit interval.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Override records the adjudicator reversing a reviewer's verdict.
type Override struct {
	VerifierID string `json:"verifier_id"`
	From       bool   `json:"from"`
	To         bool   `json:"to"`
}

// Adjudication is the final accept/reject call over all reviewer results.
type Adjudication struct {
	Approved     bool       `json:"approved"`
	Reason       string     `json:"reason"`
	Disagreement bool       `json:"disagreement"`
	Skipped      bool       `json:"skipped,omitempty"`
	Overrides    []Override `json:"overrides,omitempty"`
}

// AuditEntry records a verification state transition for one attempt.
type AuditEntry struct {
	Attempt int       `json:"attempt"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
