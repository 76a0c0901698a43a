package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "granite3.1-moe:1b"

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewOllamaClient returns a client for the Ollama server at baseURL. A nil
// httpClient means http.DefaultClient; timeouts are left to the caller's
// context.
func NewOllamaClient(baseURL, model string, httpClient *http.Client, logger *zap.Logger) *OllamaClient {
	if model == "" {
		model = DefaultOllamaModel
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  httpClient,
		logger:  logger.Named("ollama"),
	}
}

func (c *OllamaClient) DefaultModel() string { return c.model }

func (c *OllamaClient) Generate(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %w", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: building request: %w", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		c.logger.Warn("generate rejected",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode))
		return "", err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", ErrProvider, err)
	}
	if out.Response == nil {
		return "", fmt.Errorf("%w: response field missing", ErrProvider)
	}
	return *out.Response, nil
}

func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ListModels returns the names of locally installed models. A reply without
// a models list, or entries without a name, degrade to fewer names rather
// than an error.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decoding tags: %w", ErrProvider, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (c *OllamaClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// statusErr maps a non-2xx response to ErrUnavailable (5xx) or ErrProvider.
func statusErr(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := ErrProvider
	if resp.StatusCode >= 500 {
		kind = ErrUnavailable
	}
	return fmt.Errorf("%w: status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
