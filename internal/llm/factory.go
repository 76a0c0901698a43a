package llm

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/config"
)

// New builds the provider named by cfg.Kind, wrapped with cfg's retry
// policy. Per-call deadlines come from the caller's context.
func New(cfg config.ProviderConfig, logger *zap.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Kind {
	case config.ProviderOllama:
		p = NewOllamaClient(cfg.BaseURL, cfg.Model, http.DefaultClient, logger)
	case config.ProviderOpenAI:
		p, err = NewLangChainProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, http.DefaultClient, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
	return WithRetry(p, cfg.MaxRetries, cfg.RetryBackoff, logger), nil
}
