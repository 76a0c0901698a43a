package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const DefaultRetryBackoff = 500 * time.Millisecond

type retrying struct {
	Provider
	maxRetries uint64
	backoff    time.Duration
	logger     *zap.Logger
}

// WithRetry retries Generate up to maxRetries extra times, with exponential
// backoff starting at backoff, when the failure is ErrUnavailable. Other
// errors and context cancellation return immediately.
func WithRetry(p Provider, maxRetries uint64, backoff time.Duration, logger *zap.Logger) Provider {
	if maxRetries == 0 {
		return p
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{Provider: p, maxRetries: maxRetries, backoff: backoff, logger: logger.Named("retry")}
}

func (r *retrying) Generate(ctx context.Context, prompt, model string) (string, error) {
	var (
		out     string
		attempt int
	)
	b := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		out, err = r.Provider.Generate(ctx, prompt, model)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) && ctx.Err() == nil {
			r.logger.Debug("generate failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
