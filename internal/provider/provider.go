// Package provider is the boundary over external chat-completion
// endpoints. The engine only ever sees the Provider interface; concrete
// Anthropic and OpenAI implementations live in subpackages, and a mock
// lives here for tests. Outbound calls pass through a token bucket so a
// busy engine degrades into retryable RateLimited errors instead of
// hammering the provider.
package provider

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/meridianfin/meridian/pkg/api"
)

// Request is a single completion request. SchemaHash identifies the
// response schema the caller expects; it participates in retry
// deduplication, not in the API call itself.
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	SchemaHash   string
	MaxTokens    int
	Temperature  *float64
}

// Completion is the provider's reply.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is implemented by each completion backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	Name() string
	Close() error
}

// Registry holds the configured providers and owns the outbound rate
// limit. Providers are registered at process start.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiter   *rate.Limiter
	fallback  string
}

// NewRegistry creates a registry limited to ratePerSec outbound calls
// with the given burst. A non-positive rate disables limiting.
func NewRegistry(ratePerSec float64, burst int) *Registry {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Registry{
		providers: make(map[string]Provider),
		limiter:   limiter,
	}
}

// Register adds a provider. The first registered provider becomes the
// fallback used when a step names none.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return api.E(api.CodeInternal, "provider %q already registered", name)
	}
	r.providers[name] = p
	if r.fallback == "" {
		r.fallback = name
	}

	log.Info().Str("provider", name).Msg("AI provider registered")
	return nil
}

// Get resolves a provider by name; an empty name resolves the fallback.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, api.E(api.CodeNotFound, "AI provider %q not configured", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete requests bucket capacity, dispatches to the named provider,
// and classifies transport failures into the engine's retryable error
// codes.
func (r *Registry) Complete(ctx context.Context, providerName string, req *Request) (*Completion, error) {
	p, err := r.Get(providerName)
	if err != nil {
		return nil, err
	}

	if r.limiter != nil && !r.limiter.Allow() {
		return nil, api.Transient(api.CodeRateLimited, "provider %s rate limit exhausted", p.Name())
	}

	completion, err := p.Complete(ctx, req)
	if err != nil {
		return nil, ClassifyError(p.Name(), err)
	}
	return completion, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.providers, name)
	}
	return firstErr
}

// ClassifyError maps a provider transport error onto the stable error
// codes. Typed errors pass through untouched.
func ClassifyError(providerName string, err error) error {
	if apiErr, ok := err.(*api.Error); ok {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.Transient(api.CodeTimeout, "provider %s timed out: %v", providerName, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return api.Transient(api.CodeTimeout, "provider %s timed out: %v", providerName, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded"):
		return api.Transient(api.CodeRateLimited, "provider %s rate limited: %v", providerName, err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "connection"):
		return api.Transient(api.CodeTransient, "provider %s transient failure: %v", providerName, err)
	default:
		return api.E(api.CodeInternal, "provider %s failed: %v", providerName, err)
	}
}
