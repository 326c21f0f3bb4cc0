// Command gatewayd serves the OpenAI-compatible HTTP surface (pkg/gateway)
// over a provider backend selected by DITTO_PROVIDER, composing the same
// cache/rate-limit layers pkg/layer and pkg/cache expose as libraries.
//
// Grounded on digitallysavvy-go-ai/examples/chi-server/main.go for the
// env-driven boot shape (os.Getenv config, log.Fatal on ListenAndServe).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/omne42/ditto-llm/pkg/cache"
	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/gateway"
	"github.com/omne42/ditto-llm/pkg/layer"
	"github.com/omne42/ditto-llm/pkg/providers/anthropic"
	"github.com/omne42/ditto-llm/pkg/providers/openaicompat"
	"github.com/omne42/ditto-llm/pkg/providers/openairesponses"
	"github.com/omne42/ditto-llm/pkg/secret"
	"github.com/omne42/ditto-llm/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(ctx)
	if err != nil {
		log.Fatalf("gatewayd: %v", err)
	}

	logger, metrics := buildTelemetry()
	handler := gateway.NewHandler(backend, gateway.WithLogger(logger), gateway.WithMetrics(metrics))

	addr := ":" + firstNonEmpty(os.Getenv("PORT"), "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("gatewayd: listening on %s (provider=%s)", addr, backend.ProviderName())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gatewayd: %v", err)
	}
}

// buildBackend resolves DITTO_PROVIDER/DITTO_MODEL/DITTO_API_KEY_URI into a
// canon.Client, then layers the adaptive rate limiter and response cache
// around it per spec.md §4.1/§4.6, both opt-in via env vars so a bare
// "just serve requests" deployment pays no extra latency.
func buildBackend(ctx context.Context) (canon.Client, error) {
	provider := firstNonEmpty(os.Getenv("DITTO_PROVIDER"), "openai")
	model := os.Getenv("DITTO_MODEL")
	apiKey, err := resolveAPIKey(ctx, provider)
	if err != nil {
		return nil, err
	}

	var base canon.Client
	switch provider {
	case "openai":
		base, err = openairesponses.New(openairesponses.Options{APIKey: apiKey, DefaultModel: model})
	case "openai-compatible":
		base, err = openaicompat.New(openaicompat.Options{
			BaseURL: os.Getenv("DITTO_BASE_URL"), APIKey: apiKey, DefaultModel: model,
		})
	case "anthropic":
		base, err = anthropic.New(anthropic.Options{APIKey: apiKey, DefaultModel: model})
	default:
		return nil, canon.NewInvalidResponseError("gatewayd: unknown DITTO_PROVIDER %q", provider)
	}
	if err != nil {
		return nil, err
	}

	var unaryMW []layer.UnaryMiddleware
	var streamMW []layer.StreamMiddleware
	if tpm, ok := parsePositiveFloat(os.Getenv("DITTO_RATE_LIMIT_TPM")); ok {
		limiter := layer.NewAdaptiveRateLimiter(tpm, tpm*4)
		unaryMW = append(unaryMW, limiter.Unary())
		streamMW = append(streamMW, limiter.Stream())
	}

	wrapped := base
	if len(unaryMW) > 0 || len(streamMW) > 0 {
		wrapped, err = layer.New(layer.WithProvider(base), layer.WithUnary(unaryMW...), layer.WithStream(streamMW...))
		if err != nil {
			return nil, err
		}
	}

	if ttlSeconds, ok := parsePositiveFloat(os.Getenv("DITTO_CACHE_TTL_SECONDS")); ok {
		wrapped = cache.New(wrapped, cache.Config{TTL: time.Duration(ttlSeconds) * time.Second})
	}

	return wrapped, nil
}

// resolveAPIKey reads DITTO_API_KEY_URI (a pkg/secret URI, e.g.
// env://OPENAI_API_KEY or file:///run/secrets/openai) when set, otherwise
// falls back to the provider's conventional environment variable so a
// minimal deployment needs no URI syntax at all.
func resolveAPIKey(ctx context.Context, provider string) (string, error) {
	if uri := os.Getenv("DITTO_API_KEY_URI"); uri != "" {
		return secret.Resolve(ctx, uri)
	}
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY"), nil
	default:
		return os.Getenv("OPENAI_API_KEY"), nil
	}
}

func buildTelemetry() (telemetry.Logger, telemetry.Metrics) {
	if os.Getenv("DITTO_TELEMETRY") == "clue" {
		return telemetry.NewClueLogger(), telemetry.NewClueMetrics()
	}
	return telemetry.NewNoopLogger(), telemetry.NewNoopMetrics()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parsePositiveFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}
