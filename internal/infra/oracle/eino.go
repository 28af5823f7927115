package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"mika/internal/domain"
)

const defaultAnalyzeTimeout = 30 * time.Second

// Config selects and authenticates the analysis model.
type Config struct {
	Provider     string
	Model        string
	APIKey       string
	APIKeyEnvVar string
	BaseURL      string
	Timeout      time.Duration
}

// EinoOracle analyzes requests and errors through a chat model.
type EinoOracle struct {
	config Config
	model  model.ToolCallingChatModel
	logger *zap.Logger
}

func New(ctx context.Context, config Config, logger *zap.Logger) (*EinoOracle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	chatModel, err := initializeModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("initialize model: %w", err)
	}
	return &EinoOracle{
		config: config,
		model:  chatModel,
		logger: logger.Named("oracle"),
	}, nil
}

func initializeModel(ctx context.Context, config Config) (model.ToolCallingChatModel, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		envVar := strings.TrimSpace(config.APIKeyEnvVar)
		if envVar == "" {
			return nil, fmt.Errorf("API key is required: set oracle.apiKey or oracle.apiKeyEnvVar")
		}
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in env var %s", envVar)
		}
	}

	switch config.Provider {
	case "openai", "":
		cfg := &openai.ChatModelConfig{
			Model:  config.Model,
			APIKey: apiKey,
		}
		if config.BaseURL != "" {
			cfg.BaseURL = config.BaseURL
		}
		return openai.NewChatModel(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

func (o *EinoOracle) AnalyzeRequest(ctx context.Context, text string) (domain.IntentSuggestion, error) {
	response, err := o.generate(ctx, requestSystemPrompt, buildRequestPrompt(text))
	if err != nil {
		return domain.IntentSuggestion{}, fmt.Errorf("analyze request: %w", err)
	}
	suggestion, err := parseSuggestion(response)
	if err != nil {
		o.logger.Warn("unparseable suggestion from model", zap.Error(err))
		return domain.IntentSuggestion{}, fmt.Errorf("analyze request: %w", err)
	}
	return suggestion, nil
}

func (o *EinoOracle) AnalyzeError(ctx context.Context, errText, request string, meta map[string]string) (domain.Advice, error) {
	response, err := o.generate(ctx, errorSystemPrompt, buildErrorPrompt(errText, request, meta))
	if err != nil {
		return domain.Advice{}, fmt.Errorf("analyze error: %w", err)
	}
	advice, err := parseAdvice(response)
	if err != nil {
		o.logger.Warn("unparseable advice from model", zap.Error(err))
		return domain.Advice{}, fmt.Errorf("analyze error: %w", err)
	}
	return advice, nil
}

func (o *EinoOracle) generate(ctx context.Context, system, user string) (string, error) {
	timeout := o.config.Timeout
	if timeout <= 0 {
		timeout = defaultAnalyzeTimeout
	}
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}
	response, err := o.model.Generate(genCtx, messages)
	if err != nil {
		return "", fmt.Errorf("model generate: %w", err)
	}
	return response.Content, nil
}

func buildRequestPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString("User request: ")
	sb.WriteString(text)
	sb.WriteString("\n\nIdentify the capability and tool needed to fulfill this request.\n")
	sb.WriteString("Return only the JSON object. Do not include any other text.")
	return sb.String()
}

func buildErrorPrompt(errText, request string, meta map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Original request: ")
	sb.WriteString(request)
	sb.WriteString("\nError: ")
	sb.WriteString(errText)
	if len(meta) > 0 {
		sb.WriteString("\nContext:\n")
		for _, key := range sortedKeys(meta) {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", key, meta[key]))
		}
	}
	sb.WriteString("\nExplain what went wrong and what the user can do about it.\n")
	sb.WriteString("Return only the JSON object. Do not include any other text.")
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type suggestionWire struct {
	Capability string         `json:"capability"`
	Tool       string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
}

func parseSuggestion(response string) (domain.IntentSuggestion, error) {
	var wire suggestionWire
	if err := json.Unmarshal([]byte(stripCodeFence(response)), &wire); err != nil {
		return domain.IntentSuggestion{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	return domain.IntentSuggestion{
		Capability: strings.ToLower(strings.TrimSpace(wire.Capability)),
		Tool:       strings.TrimSpace(wire.Tool),
		Parameters: wire.Parameters,
		Confidence: wire.Confidence,
		Rationale:  wire.Rationale,
	}, nil
}

func parseAdvice(response string) (domain.Advice, error) {
	var advice domain.Advice
	if err := json.Unmarshal([]byte(stripCodeFence(response)), &advice); err != nil {
		return domain.Advice{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	return advice, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// added one despite the JSON-only instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const requestSystemPrompt = `You are a capability routing assistant. Given a user request, identify the capability category, the most likely tool name, and the parameters to pass.

Output only a JSON object with this shape:
{"capability": "<category such as weather, search, time>", "tool_name": "<tool name>", "parameters": {<name>: <value>}, "confidence": <0.0-1.0>, "rationale": "<one sentence>"}

If no capability fits the request, set "capability" to an empty string. Do not invent parameters the request does not imply.`

const errorSystemPrompt = `You are a troubleshooting assistant. Given a failed capability request and its error, explain the failure and suggest a concrete next step.

Output only a JSON object with this shape:
{"explanation": "<what went wrong, one or two sentences>", "suggestion": "<what the user should do>"}`
