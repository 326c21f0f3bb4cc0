package layer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// canon.Client: it estimates the token cost of a request, blocks the caller
// until capacity is available, then widens its budget on success and halves
// it on a 429 from the provider. Grounded on
// features/model/middleware/ratelimit.go's AdaptiveRateLimiter, simplified
// to a single-process limiter — the teacher's cluster-coordinated variant
// shares its budget across processes via a goa.design/pulse replicated map,
// but spec.md §5 describes no cross-process rate-limit coordination surface
// for this runtime, so that half of the teacher (and its rmap/redis
// dependency) is not carried over; only the local AIMD token bucket is.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with the given initial and
// maximum tokens-per-minute budget. A non-positive initialTPM defaults to a
// conservative 60000 TPM; maxTPM is clamped up to initialTPM if lower.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Unary returns a UnaryMiddleware enforcing the limiter on Generate calls.
func (l *AdaptiveRateLimiter) Unary() UnaryMiddleware {
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
			if err := l.wait(ctx, req); err != nil {
				return nil, err
			}
			resp, err := next(ctx, req)
			l.observe(err)
			return resp, err
		}
	}
}

// Stream returns a StreamMiddleware enforcing the limiter on Stream calls.
func (l *AdaptiveRateLimiter) Stream() StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
			if err := l.wait(ctx, req); err != nil {
				return nil, err
			}
			s, err := next(ctx, req)
			l.observe(err)
			return s, err
		}
	}
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *canon.GenerateRequest) error {
	tokens := estimateTokens(req)
	if err := l.limiter.WaitN(ctx, tokens); err != nil {
		return canon.NewIOError(err)
	}
	return nil
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var apiErr *canon.APIError
	if errors.As(err, &apiErr) && apiErr.Status == 429 {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic over a request's text content: count
// characters in text parts and string-shaped tool results, convert to
// tokens at a fixed ratio, and add a buffer for system prompts and provider
// framing overhead.
func estimateTokens(req *canon.GenerateRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case canon.TextPart:
				charCount += len(v.Text)
			case canon.ToolResultPart:
				charCount += len(v.Content)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
