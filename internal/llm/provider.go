// Package llm talks to remote text-generation services.
//
// Two providers are available: OllamaClient speaks Ollama's native
// /api/generate and /api/tags endpoints, LangChainProvider drives any
// OpenAI-compatible endpoint through langchaingo. WithRetry wraps either one
// with bounded retries of transient failures.
package llm

import (
	"context"
	"errors"
	"net/url"
)

var (
	// ErrUnavailable covers transport failures and server-side errors; these
	// are worth retrying.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrProvider covers rejected requests and malformed replies.
	ErrProvider = errors.New("provider error")
)

type Provider interface {
	// Generate returns the reply to prompt. An empty model selects the
	// provider's default.
	Generate(ctx context.Context, prompt, model string) (string, error)
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
	DefaultModel() string
}

// transportErr reports whether err came from the network or the context
// rather than from the remote service.
func transportErr(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
