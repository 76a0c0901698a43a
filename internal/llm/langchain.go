package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LangChainProvider generates through an OpenAI-compatible endpoint, such as
// Ollama's /v1 API.
type LangChainProvider struct {
	llm     llms.Model
	baseURL string
	token   string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewLangChainProvider(baseURL, token, model string, httpClient *http.Client, logger *zap.Logger) (*LangChainProvider, error) {
	if token == "" {
		// Local OpenAI-compatible servers ignore the key but the client
		// refuses to start without one.
		token = "unused"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}
	return &LangChainProvider{
		llm:     llm,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		model:   model,
		client:  httpClient,
		logger:  logger.Named("langchain"),
	}, nil
}

func (p *LangChainProvider) DefaultModel() string { return p.model }

func (p *LangChainProvider) Generate(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = p.model
	}
	completion, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, llms.WithModel(model))
	if err != nil {
		if transportErr(err) {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return completion, nil
}

func (p *LangChainProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.ListModels(ctx)
	return err == nil
}

// ListModels reads the OpenAI-style GET /models listing.
func (p *LangChainProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrProvider, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("%w: decoding models: %w", ErrProvider, err)
	}
	names := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID != "" {
			names = append(names, m.ID)
		}
	}
	return names, nil
}
