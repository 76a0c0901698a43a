package queue

import (
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEstimate is used when no estimator is configured.
const DefaultEstimate = 30 * time.Second

// Estimator guesses how long generating a reply to query will take.
type Estimator interface {
	Estimate(query string) time.Duration
}

type FixedEstimator time.Duration

func (f FixedEstimator) Estimate(string) time.Duration { return time.Duration(f) }

// TokenEstimator charges Base plus PerToken for every token in the query.
type TokenEstimator struct {
	Base     time.Duration
	PerToken time.Duration
	count    func(string) int
}

// NewTokenEstimator counts tokens with the named tiktoken encoding. If the
// encoding cannot be loaded it falls back to roughly four characters per
// token.
func NewTokenEstimator(encoding string, base, perToken time.Duration, logger *zap.Logger) *TokenEstimator {
	count := approxTokens
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		if logger != nil {
			logger.Warn("tokenizer unavailable, approximating token counts",
				zap.String("encoding", encoding),
				zap.Error(err))
		}
	} else {
		count = func(s string) int { return len(tke.Encode(s, nil, nil)) }
	}
	return &TokenEstimator{Base: base, PerToken: perToken, count: count}
}

func (e *TokenEstimator) Estimate(query string) time.Duration {
	count := e.count
	if count == nil {
		count = approxTokens
	}
	return e.Base + time.Duration(count(query))*e.PerToken
}

func approxTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
