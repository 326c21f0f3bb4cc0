package layer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

type stubClient struct {
	generateCalls int
	streamCalls   int
	err           error
}

func (s *stubClient) ProviderName() string { return "stub" }
func (s *stubClient) ModelID() string      { return "stub-model" }

func (s *stubClient) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	s.generateCalls++
	if s.err != nil {
		return nil, s.err
	}
	return &canon.GenerateResponse{Content: []canon.Part{canon.TextPart{Text: "ok"}}, FinishReason: canon.FinishStop}, nil
}

func (s *stubClient) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	s.streamCalls++
	return nil, s.err
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	require.ErrorIs(t, err, canon.ErrInvalidResponse)
}

func TestNew_AppliesUnaryMiddlewareInRegistrationOrder(t *testing.T) {
	var order []string
	record := func(name string) UnaryMiddleware {
		return func(next UnaryHandler) UnaryHandler {
			return func(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	stub := &stubClient{}
	c, err := New(WithProvider(stub), WithUnary(record("outer"), record("inner")))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), &canon.GenerateRequest{})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, order)
	require.Equal(t, 1, stub.generateCalls)
}

func TestAdaptiveRateLimiter_AllowsBurstUpToInitialBudget(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{}
	c, err := New(WithProvider(stub), WithUnary(limiter.Unary()))
	require.NoError(t, err)

	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}
	_, err = c.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, stub.generateCalls)
}

func TestAdaptiveRateLimiter_BacksOffOn429(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{err: &canon.APIError{Status: 429, Body: "rate limited"}}
	c, err := New(WithProvider(stub), WithUnary(limiter.Unary()))
	require.NoError(t, err)

	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}
	_, err = c.Generate(context.Background(), req)
	require.Error(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Less(t, limiter.currentTPM, 600000.0)
}
