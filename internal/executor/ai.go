package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/meridianfin/meridian/internal/provider"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

const aiSystemPrompt = "You are a step inside a financial workflow engine. " +
	"Respond with a single JSON object matching the requested schema. " +
	"No prose, no markdown fences."

// AIExecutor produces structured step output from a model completion.
// The outbound prompt carries only the allowlisted context keys, with
// sensitive keys stripped, and the response must validate against the
// step's response schema before any of it reaches the context.
type AIExecutor struct {
	providers *provider.Registry
}

// NewAIExecutor creates the AI_GENERATED executor over a provider
// registry.
func NewAIExecutor(providers *provider.Registry) *AIExecutor {
	return &AIExecutor{providers: providers}
}

func (e *AIExecutor) Kind() workflow.StepKind { return workflow.KindAIGenerated }

func (e *AIExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg step.AIConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}
	if req.Step.AIPrompt == "" {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s has no ai_prompt", req.Step.ID)
	}

	prompt, err := e.buildPrompt(req, &cfg)
	if err != nil {
		return nil, err
	}

	schemaJSON, err := json.Marshal(cfg.ResponseSchema)
	if err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s response schema: %v", req.Step.ID, err)
	}
	schemaHash := hashHex(schemaJSON)

	completion, err := e.providers.Complete(ctx, cfg.Provider, &provider.Request{
		Model:        cfg.Model,
		SystemPrompt: aiSystemPrompt,
		Prompt:       prompt,
		SchemaHash:   schemaHash,
	})
	if err != nil {
		return Failed(err), nil
	}

	raw := extractJSON(completion.Text)
	if raw == "" {
		return Failed(api.Transient(api.CodeAIResponseInvalid,
			"step %s: response contains no JSON object", req.Step.ID)), nil
	}

	validation, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(cfg.ResponseSchema),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return Failed(api.Transient(api.CodeAIResponseInvalid,
			"step %s: response is not valid JSON: %v", req.Step.ID, err)), nil
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			details = append(details, desc.String())
		}
		log.Warn().
			Str("execution_id", req.ExecutionID).
			Str("step_id", req.Step.ID).
			Int("attempt", req.Attempt).
			Strs("violations", details).
			Msg("AI response failed schema validation")
		return Failed(api.Transient(api.CodeAIResponseInvalid,
			"step %s: response violates schema: %s", req.Step.ID, strings.Join(details, "; "))), nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var parsed map[string]interface{}
	if err := dec.Decode(&parsed); err != nil {
		return Failed(api.Transient(api.CodeAIResponseInvalid,
			"step %s: decoding response: %v", req.Step.ID, err)), nil
	}
	delta, err := value.MapFromInterface(parsed)
	if err != nil {
		return Failed(api.Transient(api.CodeAIResponseInvalid,
			"step %s: response values: %v", req.Step.ID, err)), nil
	}

	outputs := map[string]interface{}{
		"model":             completion.Model,
		"content_hash":      hashHex([]byte(completion.Text)),
		"schema_hash":       schemaHash,
		"prompt_tokens":     completion.PromptTokens,
		"completion_tokens": completion.CompletionTokens,
	}
	return Done(delta, outputs), nil
}

// buildPrompt renders the step prompt plus the allowlisted context.
// Sensitive keys never appear regardless of the allowlist.
func (e *AIExecutor) buildPrompt(req *Request, cfg *step.AIConfig) (string, error) {
	sensitive := make(map[string]bool, len(req.SensitiveKeys))
	for _, key := range req.SensitiveKeys {
		sensitive[key] = true
	}

	view := make(map[string]interface{})
	for _, key := range cfg.ContextKeys {
		if sensitive[key] {
			continue
		}
		if v, ok := req.Snapshot.Get(key); ok {
			view[key] = v.ToInterface()
		}
	}

	var b strings.Builder
	b.WriteString(req.Step.AIPrompt)
	if len(view) > 0 {
		contextJSON, err := json.Marshal(view)
		if err != nil {
			return "", api.E(api.CodeInternal, "step %s: encoding prompt context: %v", req.Step.ID, err)
		}
		b.WriteString("\n\nContext:\n")
		b.Write(contextJSON)
	}
	schemaJSON, err := json.Marshal(cfg.ResponseSchema)
	if err != nil {
		return "", api.E(api.CodeIncompatibleStepConfig, "step %s response schema: %v", req.Step.ID, err)
	}
	b.WriteString("\n\nRespond with a JSON object matching this schema:\n")
	b.Write(schemaJSON)
	return b.String(), nil
}

// extractJSON strips markdown fences and returns the outermost JSON
// object in the text, or "" when none is found.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
