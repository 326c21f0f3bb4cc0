package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// AncillaryBackend is the minimal external-collaborator contract spec.md §6
// describes for the OpenAI-compatible endpoints spec.md §1 places outside
// the core (images, moderations, embeddings, batch helpers). SPEC_FULL.md
// §12 ("src/gateway/translation.rs embeddings/moderations/images
// passthrough") commits the gateway to exposing them as thin passthrough
// routes: the wire JSON decodes straight onto the matching canon surface
// type (or, for embeddings, stays opaque JSON, since no canon type is
// specified for it) and is handed to the backend unmodified — there is no
// translation step here the way chat/completions has one.
type AncillaryBackend interface {
	GenerateImage(ctx context.Context, req *canon.ImageGenerationRequest) (*canon.ImageGenerationResponse, error)
	Moderate(ctx context.Context, req *canon.ModerationRequest) (*canon.ModerationResponse, error)
	CreateEmbeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error)
	CreateBatch(ctx context.Context, req *canon.BatchCreateRequest) (*canon.BatchCreateResponse, error)
}

// WithAncillaryBackend wires the images/moderations/embeddings/batches
// passthrough routes to backend. Without this option the routes stay
// registered but answer 501, since these endpoints are external
// collaborators (spec.md §1) the gateway itself has no opinion on.
func WithAncillaryBackend(backend AncillaryBackend) Option {
	return func(h *Handler) { h.ancillary = backend }
}

func writeAncillaryUnconfigured(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusNotImplemented, "api_error", "not_implemented", "ancillary backend not configured")
}

func (h *Handler) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	if h.ancillary == nil {
		writeAncillaryUnconfigured(w)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req canon.ImageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	resp, err := h.ancillary.GenerateImage(r.Context(), &req)
	if err != nil {
		h.logger.Error(r.Context(), "images/generations failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	_ = writeJSON(w, resp)
}

func (h *Handler) handleModerations(w http.ResponseWriter, r *http.Request) {
	if h.ancillary == nil {
		writeAncillaryUnconfigured(w)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req canon.ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	resp, err := h.ancillary.Moderate(r.Context(), &req)
	if err != nil {
		h.logger.Error(r.Context(), "moderations failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	_ = writeJSON(w, resp)
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if h.ancillary == nil {
		writeAncillaryUnconfigured(w)
		return
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	out, err := h.ancillary.CreateEmbeddings(r.Context(), json.RawMessage(body))
	if err != nil {
		h.logger.Error(r.Context(), "embeddings failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	if h.ancillary == nil {
		writeAncillaryUnconfigured(w)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req canon.BatchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	resp, err := h.ancillary.CreateBatch(r.Context(), &req)
	if err != nil {
		h.logger.Error(r.Context(), "batches failed", "err", err)
		status, errType, code, message := mapProviderError(err)
		writeErrorResponse(w, status, errType, code, message)
		return
	}
	_ = writeJSON(w, resp)
}
