// Package anthropic implements the provider interface over the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/provider"
)

// Config holds connection settings for the Anthropic API.
type Config struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	DefaultModel string
}

// DefaultConfig returns the standard Anthropic configuration. The base
// URL can be overridden with MERIDIAN_ANTHROPIC_BASE_URL.
func DefaultConfig() *Config {
	config := &Config{
		BaseURL:      "https://api.anthropic.com",
		Timeout:      60 * time.Second,
		DefaultModel: "claude-sonnet-4-20250514",
	}
	if baseURL := os.Getenv("MERIDIAN_ANTHROPIC_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	return config
}

// Provider calls the Anthropic Messages API.
type Provider struct {
	client *anthropic.Client
	config *Config
}

// NewProvider creates an Anthropic provider. The API key is read from
// ANTHROPIC_API_KEY when the config leaves it empty.
func NewProvider(config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if config.BaseURL == "" {
			config.BaseURL = defaults.BaseURL
		}
		if config.Timeout == 0 {
			config.Timeout = defaults.Timeout
		}
		if config.DefaultModel == "" {
			config.DefaultModel = defaults.DefaultModel
		}
	}

	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		if config.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
		option.WithHTTPClient(&http.Client{
			Timeout: config.Timeout,
		}),
	)

	log.Info().
		Str("base_url", config.BaseURL).
		Str("default_model", config.DefaultModel).
		Msg("Anthropic provider initialized")

	return &Provider{client: &client, config: config}, nil
}

// Complete sends one completion request and returns the concatenated
// text blocks of the response.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)},
			},
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	text := ""
	for _, block := range response.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	return &provider.Completion{
		Text:             text,
		Model:            string(response.Model),
		PromptTokens:     int(response.Usage.InputTokens),
		CompletionTokens: int(response.Usage.OutputTokens),
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Close() error { return nil }
