// Package store defines the gateway's domain entities and the storage
// interfaces the routing core depends on: channel/mapping lookup, caller
// credentials with budget accounting, and the append-only request outcome
// log consumed by the load balancer's performance analyzer.
//
// Channel and credential administration happens out-of-band; the core only
// reads them, with two exceptions: the health prober may flip a channel's
// status, and the pipeline increments budget_used after a successful request.
package store

import (
	"context"
	"time"
)

// Provider kinds a channel may point at.
const (
	KindOpenAI    = "openai"
	KindAzure     = "azure"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
	KindMistral   = "mistral"
	KindCohere    = "cohere"
)

// Channel status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// Outcome status values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type (
	// CostPair is a per-1K-token price for input and output tokens.
	CostPair struct {
		Input  float64 `json:"input"`
		Output float64 `json:"output"`
	}

	// ChannelConfig is the free-form per-channel configuration envelope.
	// Missing APIBase falls back to the provider's canonical URL; missing
	// APIVersion falls back to the provider default.
	ChannelConfig struct {
		APIBase      string              `json:"api_base,omitempty"`
		APIKey       string              `json:"api_key,omitempty"`
		APIVersion   string              `json:"api_version,omitempty"`
		Organization string              `json:"organization,omitempty"`
		ModelCosts   map[string]CostPair `json:"model_costs,omitempty"`
		DefaultCosts *CostPair           `json:"default_costs,omitempty"`
	}

	// Channel is a configured upstream provider endpoint.
	Channel struct {
		ID       int64         `json:"id"`
		Name     string        `json:"name"`
		Kind     string        `json:"type"`
		Config   ChannelConfig `json:"config"`
		Weight   int           `json:"weight"`
		Priority int           `json:"priority"`
		Status   string        `json:"status"`
		IsSystem bool          `json:"is_system"`
	}

	// ModelMapping links a public model id to the upstream model id a
	// channel serves it with. An empty UpstreamModel means the public id
	// is passed through unchanged.
	ModelMapping struct {
		ChannelID     int64  `json:"channel_id"`
		PublicModel   string `json:"public_model"`
		UpstreamModel string `json:"upstream_model,omitempty"`
	}

	// CallerCredential is the principal behind an API key.
	// AllowedModels == nil means every model is allowed; an empty non-nil
	// slice allows none.
	CallerCredential struct {
		ID            int64    `json:"id"`
		OwnerID       int64    `json:"owner_id"`
		Name          string   `json:"name"`
		KeyHash       string   `json:"key_hash"`
		AllowedModels []string `json:"allowed_models,omitempty"`
		BudgetLimit   float64  `json:"budget_limit"`
		BudgetUsed    float64  `json:"budget_used"`
		RPMLimit      int      `json:"rpm_limit"`
		Status        string   `json:"status"`
	}

	// RequestOutcome is one row of the append-only request log.
	// Model is always the public model id, and ChannelID is the channel
	// actually invoked, even on failure.
	RequestOutcome struct {
		RequestID    string
		CallerID     int64
		OwnerID      int64
		ChannelID    int64
		Model        string
		Status       string
		TokensIn     int
		TokensOut    int
		Cost         float64
		LatencyMS    int64
		ErrorMessage string
		Timestamp    time.Time
	}

	// Candidate pairs a channel with the mapping that made it eligible
	// for a given public model.
	Candidate struct {
		Channel *Channel
		Mapping *ModelMapping
	}
)

// UpstreamModelID resolves the model id to send upstream.
func (m *ModelMapping) UpstreamModelID() string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}
	return m.PublicModel
}

// Allows reports whether the credential may call the given public model.
func (c *CallerCredential) Allows(model string) bool {
	if c.AllowedModels == nil {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// OverBudget reports whether the pre-request budget gate should reject.
func (c *CallerCredential) OverBudget() bool {
	return c.BudgetLimit > 0 && c.BudgetUsed >= c.BudgetLimit
}

// ChannelStore is the read side of channel administration.
type ChannelStore interface {
	// ActiveChannels returns every channel with status=active.
	ActiveChannels(ctx context.Context) ([]*Channel, error)
	// Channel returns the channel by id regardless of status, or nil.
	Channel(ctx context.Context, id int64) (*Channel, error)
	// CandidatesFor returns (channel, mapping) pairs of active channels
	// whose mapping set contains the public model.
	CandidatesFor(ctx context.Context, publicModel string) ([]Candidate, error)
	// PublicModels returns the distinct public model ids across active
	// channels, sorted.
	PublicModels(ctx context.Context) ([]string, error)
	// SetStatus flips a channel's status (used by the health prober).
	SetStatus(ctx context.Context, id int64, status string) error
}

// CredentialStore resolves and charges caller credentials.
type CredentialStore interface {
	// Credentials returns all credentials; the authenticator scans them
	// for a hash match.
	Credentials(ctx context.Context) ([]*CallerCredential, error)
	// Credential returns the credential by id, or nil.
	Credential(ctx context.Context, id int64) (*CallerCredential, error)
	// AddBudgetUsed atomically increments budget_used. Concurrent adds
	// must not lose increments.
	AddBudgetUsed(ctx context.Context, id int64, delta float64) error
}

// OutcomeStore is the append-only request log plus the windowed read API
// the performance analyzer consumes.
type OutcomeStore interface {
	Append(ctx context.Context, o *RequestOutcome) error
	// Query returns outcomes for (channelID, model) with Timestamp >= since,
	// in no particular order.
	Query(ctx context.Context, channelID int64, model string, since time.Time) ([]RequestOutcome, error)
}
