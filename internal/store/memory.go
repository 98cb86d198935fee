package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process implementation of ChannelStore, CredentialStore
// and OutcomeStore. It backs the gateway when no external control plane or
// ClickHouse is configured, and it is the store used throughout the tests.
//
// Outcomes older than retention are dropped lazily on append to bound
// memory; the balancer only ever queries a short trailing window.
type Memory struct {
	mu          sync.RWMutex
	channels    map[int64]*Channel
	mappings    []ModelMapping
	credentials map[int64]*CallerCredential
	outcomes    []RequestOutcome
	retention   time.Duration
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		channels:    make(map[int64]*Channel),
		credentials: make(map[int64]*CallerCredential),
		retention:   2 * time.Hour,
	}
}

// seedFile is the JSON shape of CHANNELS_FILE.
type seedFile struct {
	Channels    []*Channel          `json:"channels"`
	Mappings    []ModelMapping      `json:"model_mappings"`
	Credentials []*CallerCredential `json:"api_keys"`
}

// LoadSeedFile populates the store from a JSON seed file so the binary can
// run without a control plane. Existing entries with the same id are
// replaced.
func (s *Memory) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read seed file: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("store: parse seed file %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range seed.Channels {
		if ch.Status == "" {
			ch.Status = StatusActive
		}
		if ch.Weight == 0 {
			ch.Weight = 100
		}
		s.channels[ch.ID] = ch
	}
	s.mappings = append(s.mappings, seed.Mappings...)
	for _, cred := range seed.Credentials {
		if cred.Status == "" {
			cred.Status = StatusActive
		}
		s.credentials[cred.ID] = cred
	}
	return nil
}

// AddChannel inserts or replaces a channel. Mappings are the public models
// it serves.
func (s *Memory) AddChannel(ch *Channel, mappings ...ModelMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
	// Replace semantics: drop any previous mappings for this channel.
	kept := s.mappings[:0]
	for _, m := range s.mappings {
		if m.ChannelID != ch.ID {
			kept = append(kept, m)
		}
	}
	s.mappings = append(kept, mappings...)
}

// AddCredential inserts or replaces a caller credential.
func (s *Memory) AddCredential(c *CallerCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
}

func (s *Memory) ActiveChannels(ctx context.Context) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.Status == StatusActive {
			c := *ch
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) Channel(ctx context.Context, id int64) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	c := *ch
	return &c, nil
}

func (s *Memory) CandidatesFor(ctx context.Context, publicModel string) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Candidate
	for i := range s.mappings {
		m := s.mappings[i]
		if m.PublicModel != publicModel {
			continue
		}
		ch, ok := s.channels[m.ChannelID]
		if !ok || ch.Status != StatusActive {
			continue
		}
		c := *ch
		out = append(out, Candidate{Channel: &c, Mapping: &m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel.ID < out[j].Channel.ID })
	return out, nil
}

func (s *Memory) PublicModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, m := range s.mappings {
		ch, ok := s.channels[m.ChannelID]
		if !ok || ch.Status != StatusActive {
			continue
		}
		seen[m.PublicModel] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Memory) SetStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("store: channel %d not found", id)
	}
	ch.Status = status
	return nil
}

func (s *Memory) Credentials(ctx context.Context) ([]*CallerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CallerCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) Credential(ctx context.Context, id int64) (*CallerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return nil, nil
	}
	cc := *c
	return &cc, nil
}

func (s *Memory) AddBudgetUsed(ctx context.Context, id int64, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("store: credential %d not found", id)
	}
	c.BudgetUsed += delta
	return nil
}

func (s *Memory) Append(ctx context.Context, o *RequestOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	s.outcomes = append(s.outcomes, *o)

	cutoff := time.Now().Add(-s.retention)
	if len(s.outcomes) > 0 && s.outcomes[0].Timestamp.Before(cutoff) {
		kept := s.outcomes[:0]
		for _, oc := range s.outcomes {
			if !oc.Timestamp.Before(cutoff) {
				kept = append(kept, oc)
			}
		}
		s.outcomes = kept
	}
	return nil
}

func (s *Memory) Query(ctx context.Context, channelID int64, model string, since time.Time) ([]RequestOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RequestOutcome
	for _, o := range s.outcomes {
		if o.ChannelID != channelID || o.Model != model {
			continue
		}
		if o.Timestamp.Before(since) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
