package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OpenAIConfig configures OpenAIGenerator. Mirrors the teacher's
// provider-config-struct-with-env-defaults shape.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	BaseURL    string // optional, tests
	HTTPClient *http.Client
}

// NewOpenAIConfigFromEnv reads NARRATIVE_OPENAI_* environment variables,
// matching the NewXFromEnv convention used throughout the store/auth
// layers.
func NewOpenAIConfigFromEnv() OpenAIConfig {
	cfg := OpenAIConfig{
		APIKey:     strings.TrimSpace(os.Getenv("NARRATIVE_OPENAI_API_KEY")),
		Model:      strings.TrimSpace(os.Getenv("NARRATIVE_OPENAI_MODEL")),
		Timeout:    45 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		BaseURL:    strings.TrimSpace(os.Getenv("NARRATIVE_OPENAI_BASE_URL")),
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if v := strings.TrimSpace(os.Getenv("NARRATIVE_OPENAI_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("NARRATIVE_OPENAI_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	return cfg
}

// OpenAIGenerator produces chapters via the OpenAI chat completions API,
// validates the structured response locally, and falls back to
// FallbackGenerator rather than propagating an error to the caller.
type OpenAIGenerator struct {
	client     openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	schema     *jsonschema.Schema
	fallback   Generator
}

// NewOpenAIGenerator builds a client the way the teacher's TTS provider
// does: functional options, an injectable HTTP client for tests, and a
// compiled schema loaded once up front rather than per call.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("chapter.json", bytes.NewReader([]byte(chapterSchema))); err != nil {
		return nil, fmt.Errorf("load chapter schema: %w", err)
	}
	schema, err := compiler.Compile("chapter.json")
	if err != nil {
		return nil, fmt.Errorf("compile chapter schema: %w", err)
	}

	return &OpenAIGenerator{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		schema:     schema,
		fallback:   FallbackGenerator{},
	}, nil
}

// chapterResponse is the shape validated against chapterSchema.
type chapterResponse struct {
	ChapterText string `json:"chapter_text"`
}

// Generate calls the model with retry, validates structured output
// locally, and on any unrecoverable failure degrades to the fallback
// generator, for every mode including the opening chapter. The result
// is then flagged Fallback; it never returns an error of its own.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	system, user := buildPrompt(req)

	var content string
	err := retry.Do(
		func() error {
			resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: g.model,
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.SystemMessage(system),
					openai.UserMessage(user),
				},
				ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
					OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
				},
			})
			if err != nil {
				return mapOpenAIError(err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("openai: empty choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.maxRetries)),
		retry.Delay(g.retryDelay),
		retry.RetryIf(isRetriable),
	)
	if err != nil {
		log.Printf("[narrative] openai generation failed, falling back: %v", err)
		return g.fallback.Generate(ctx, req)
	}

	parsed, err := validateChapterJSON(g.schema, content)
	if err != nil {
		log.Printf("[narrative] structured output failed validation, falling back: %v", err)
		return g.fallback.Generate(ctx, req)
	}

	return Result{Content: parsed.ChapterText, Fallback: false}, nil
}

func validateChapterJSON(schema *jsonschema.Schema, content string) (*chapterResponse, error) {
	content = extractJSONObject(content)
	if content == "" {
		return nil, fmt.Errorf("no JSON object found in model output")
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("decode structured output: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("structured output failed schema validation: %w", err)
	}

	var parsed chapterResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("decode chapter response: %w", err)
	}
	if strings.TrimSpace(parsed.ChapterText) == "" {
		return nil, fmt.Errorf("chapter_text is empty")
	}
	return &parsed, nil
}

func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) > 1 {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
			lines = lines[:len(lines)-1]
		}
		s = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// rateLimitError mirrors the teacher's RateLimitError: a distinguishable
// type retry.RetryIf can recognize without string matching.
type rateLimitError struct {
	Message    string
	StatusCode int
}

func (e *rateLimitError) Error() string { return e.Message }

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return &rateLimitError{
				Message:    fmt.Sprintf("openai error (status %d): %s", apiErr.StatusCode, apiErr.Message),
				StatusCode: apiErr.StatusCode,
			}
		}
		return fmt.Errorf("openai error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return err
}

func isRetriable(err error) bool {
	var rle *rateLimitError
	if errors.As(err, &rle) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

var _ Generator = (*OpenAIGenerator)(nil)
