package provider

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a deterministic in-process provider for tests and for
// running workflows without provider credentials. Responses are matched
// by prompt substring; unmatched prompts get the default response.
type MockProvider struct {
	name string

	mu        sync.Mutex
	responses map[string]string
	defResp   string
	err       error
	calls     []*Request
}

// NewMockProvider creates a mock provider with the given name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		responses: make(map[string]string),
		defResp:   "{}",
	}
}

// SetResponse registers a canned response returned for any prompt that
// contains fragment.
func (m *MockProvider) SetResponse(fragment, response string) {
	m.mu.Lock()
	m.responses[fragment] = response
	m.mu.Unlock()
}

// SetDefaultResponse replaces the response used when no fragment matches.
func (m *MockProvider) SetDefaultResponse(response string) {
	m.mu.Lock()
	m.defResp = response
	m.mu.Unlock()
}

// FailWith makes every following Complete call return err.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls returns the requests seen so far.
func (m *MockProvider) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.calls...)
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}

	text := m.defResp
	for fragment, response := range m.responses {
		if strings.Contains(req.Prompt, fragment) {
			text = response
			break
		}
	}

	model := req.Model
	if model == "" {
		model = m.name + "-default"
	}
	return &Completion{
		Text:             text,
		Model:            model,
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(text) / 4,
	}, nil
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Close() error { return nil }
