package providers

import (
	"context"
	"fmt"
	"sync"

	"sports-settlement-bot/internal/cache"
)

// MockProvider implements ResultProvider for mock mode and tests. Results are
// scripted per external ref; unscripted fixtures report as not yet finished.
type MockProvider struct {
	mu         sync.RWMutex
	name       string
	priority   int
	caps       []Resource
	confidence cache.Confidence
	results    map[string]*RawResult
	errs       map[string]error
	fetchCalls map[string]int
	HealthTracker
}

var _ ResultProvider = (*MockProvider)(nil)

func NewMockProvider(name string, priority int, confidence cache.Confidence, caps ...Resource) *MockProvider {
	if len(caps) == 0 {
		caps = []Resource{ResourceScore, ResourceCorners, ResourceCards}
	}
	return &MockProvider{
		name:       name,
		priority:   priority,
		caps:       caps,
		confidence: confidence,
		results:    make(map[string]*RawResult),
		errs:       make(map[string]error),
		fetchCalls: make(map[string]int),
	}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Priority() int { return m.priority }

func (m *MockProvider) Capabilities() []Resource { return m.caps }

func (m *MockProvider) Confidence() cache.Confidence { return m.confidence }

// ScriptResult sets the response for a fixture's external ref.
func (m *MockProvider) ScriptResult(externalRef string, result *RawResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if result != nil && result.Source == "" {
		result.Source = m.name
	}
	m.results[externalRef] = result
}

// ScriptError makes every Fetch for the ref fail with err.
func (m *MockProvider) ScriptError(externalRef string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[externalRef] = err
}

// FetchCalls reports how many times the ref was fetched.
func (m *MockProvider) FetchCalls(externalRef string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchCalls[externalRef]
}

func (m *MockProvider) Fetch(ctx context.Context, ref FixtureRef) (*RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fetchCalls[ref.ExternalRef]++
	err := m.errs[ref.ExternalRef]
	scripted := m.results[ref.ExternalRef]
	m.mu.Unlock()

	if err != nil {
		m.RecordFailure()
		return nil, fmt.Errorf("mock %s: %w", m.name, err)
	}

	m.RecordSuccess()
	if scripted != nil {
		out := *scripted
		return &out, nil
	}
	return &RawResult{Source: m.name, FixtureStatus: "SCHEDULED"}, nil
}
