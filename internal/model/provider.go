package model

import "time"

// ProviderState describes a backend's availability for selection.
type ProviderState struct {
	ID            string     `json:"id"`
	Available     bool       `json:"available"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	HasCredential bool       `json:"has_credential"`
	Priority      int        `json:"priority"`
}

// ProviderStatus is the diagnostic view of a rate-limit record.
type ProviderStatus struct {
	Available        bool       `json:"available"`
	ResetAt          *time.Time `json:"reset_at"`
	SecondsRemaining int        `json:"seconds_remaining"`
}

// RateLimitRecord is the persisted form of a provider penalty.
type RateLimitRecord struct {
	ProviderID string    `json:"-"`
	ResetAt    time.Time `json:"reset_at"`
	MarkedAt   time.Time `json:"marked_at"`
}

// TokenUsage tracks token consumption for a provider call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
