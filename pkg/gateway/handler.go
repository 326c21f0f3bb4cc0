package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/telemetry"
)

type (
	// Handler is the OpenAI-compatible HTTP surface over a canon.Client,
	// routed with go-chi (digitallysavvy-go-ai's chi-server example is the
	// routing-idiom reference; the request/response mapping itself follows
	// spec.md §4.7). /v1/images/generations, /v1/moderations,
	// /v1/embeddings, and /v1/batches are thin passthrough routes behind an
	// optional AncillaryBackend (see ancillary.go).
	Handler struct {
		backend   canon.Client
		ancillary AncillaryBackend
		router    chi.Router
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// Option configures a Handler during construction.
	Option func(*Handler)
)

// WithLogger sets the Logger used for request-level diagnostics. Defaults
// to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the Metrics recorder used for per-request counters.
// Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds a Handler serving /v1/chat/completions and
// /v1/responses against backend.
func NewHandler(backend canon.Client, opts ...Option) *Handler {
	h := &Handler{
		backend: backend,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/chat/completions", h.handleChatCompletions)
	r.Post("/v1/responses", h.handleResponses)
	r.Post("/v1/images/generations", h.handleImageGenerations)
	r.Post("/v1/moderations", h.handleModerations)
	r.Post("/v1/embeddings", h.handleEmbeddings)
	r.Post("/v1/batches", h.handleBatches)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.router.ServeHTTP(w, r) }

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	streaming := requestWantsStream(body)
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	h.metrics.IncCounter("gateway.chat_completions.requests", 1, "model", req.Model, "stream", boolTag(streaming))

	if streaming {
		h.streamChatCompletions(w, r, req, id, created)
		return
	}

	resp, err := h.backend.Generate(r.Context(), req)
	if err != nil {
		h.logger.Error(r.Context(), "chat/completions generate failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}

	_ = writeJSON(w, GenerateResponseToChatCompletions(resp, id, req.Model, created))
}

func (h *Handler) streamChatCompletions(w http.ResponseWriter, r *http.Request, req *canon.GenerateRequest, id string, created int64) {
	streamer, err := h.backend.Stream(r.Context(), req)
	if err != nil {
		h.logger.Error(r.Context(), "chat/completions stream failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	defer func() { _ = streamer.Close() }()

	flusher, _ := w.(http.Flusher)
	setSSEHeaders(w)

	err = chatCompletionsSSE(streamer, id, req.Model, created, func(frame string) error {
		if _, werr := io.WriteString(w, frame); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.Error(r.Context(), "chat/completions stream interrupted", "err", err)
	}
}

func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	req, err := ParseResponsesRequest(body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	streaming := requestWantsStream(body)
	id := "resp-" + uuid.NewString()
	created := time.Now().Unix()

	h.metrics.IncCounter("gateway.responses.requests", 1, "model", req.Model, "stream", boolTag(streaming))

	if streaming {
		h.streamResponses(w, r, req, id)
		return
	}

	resp, err := h.backend.Generate(r.Context(), req)
	if err != nil {
		h.logger.Error(r.Context(), "responses generate failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}

	_ = writeJSON(w, GenerateResponseToResponses(resp, id, req.Model, created))
}

func (h *Handler) streamResponses(w http.ResponseWriter, r *http.Request, req *canon.GenerateRequest, id string) {
	streamer, err := h.backend.Stream(r.Context(), req)
	if err != nil {
		h.logger.Error(r.Context(), "responses stream failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	defer func() { _ = streamer.Close() }()

	flusher, _ := w.(http.Flusher)
	setSSEHeaders(w)

	err = responsesSSE(streamer, id, func(frame string) error {
		if _, werr := io.WriteString(w, frame); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.Error(r.Context(), "responses stream interrupted", "err", err)
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func requestWantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
