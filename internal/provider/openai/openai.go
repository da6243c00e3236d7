// Package openai implements the provider interface over the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/provider"
)

// Config holds connection settings for the OpenAI API.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

// DefaultConfig returns the standard OpenAI configuration. The base URL
// can be overridden with MERIDIAN_OPENAI_BASE_URL.
func DefaultConfig() *Config {
	config := &Config{
		BaseURL:      "https://api.openai.com/v1",
		MaxRetries:   2,
		DefaultModel: "gpt-4o",
	}
	if baseURL := os.Getenv("MERIDIAN_OPENAI_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	return config
}

// Provider calls the OpenAI chat completions API.
type Provider struct {
	client *openai.Client
	config *Config
}

// NewProvider creates an OpenAI provider. The API key is read from
// OPENAI_API_KEY when the config leaves it empty.
func NewProvider(config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if config.BaseURL == "" {
			config.BaseURL = defaults.BaseURL
		}
		if config.MaxRetries == 0 {
			config.MaxRetries = defaults.MaxRetries
		}
		if config.DefaultModel == "" {
			config.DefaultModel = defaults.DefaultModel
		}
	}

	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
	}

	client := openai.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
		option.WithMaxRetries(config.MaxRetries),
	)

	log.Info().
		Str("base_url", config.BaseURL).
		Str("default_model", config.DefaultModel).
		Msg("OpenAI provider initialized")

	return &Provider{client: &client, config: config}, nil
}

// Complete sends one completion request and returns the first choice.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		N:                   openai.Int(1),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &provider.Completion{
		Text:             response.Choices[0].Message.Content,
		Model:            response.Model,
		PromptTokens:     int(response.Usage.PromptTokens),
		CompletionTokens: int(response.Usage.CompletionTokens),
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Close() error { return nil }
