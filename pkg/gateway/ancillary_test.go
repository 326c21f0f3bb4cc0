package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

type stubAncillaryBackend struct {
	imageResp *canon.ImageGenerationResponse
	modResp   *canon.ModerationResponse
	embedResp json.RawMessage
	batchResp *canon.BatchCreateResponse
	err       error
}

func (b *stubAncillaryBackend) GenerateImage(ctx context.Context, req *canon.ImageGenerationRequest) (*canon.ImageGenerationResponse, error) {
	return b.imageResp, b.err
}

func (b *stubAncillaryBackend) Moderate(ctx context.Context, req *canon.ModerationRequest) (*canon.ModerationResponse, error) {
	return b.modResp, b.err
}

func (b *stubAncillaryBackend) CreateEmbeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return b.embedResp, b.err
}

func (b *stubAncillaryBackend) CreateBatch(ctx context.Context, req *canon.BatchCreateRequest) (*canon.BatchCreateResponse, error) {
	return b.batchResp, b.err
}

func TestHandler_ImageGenerations_Passthrough(t *testing.T) {
	backend := &stubAncillaryBackend{imageResp: &canon.ImageGenerationResponse{
		Created: 1000,
		Images:  []canon.GeneratedImage{{URL: "https://example.com/a.png"}},
	}}
	h := NewHandler(&stubClient{}, WithAncillaryBackend(backend))

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(`{"model":"dall-e-3","prompt":"a cat","n":1}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	images := out["data"].([]any)
	require.Len(t, images, 1)
}

func TestHandler_Moderations_Passthrough(t *testing.T) {
	backend := &stubAncillaryBackend{modResp: &canon.ModerationResponse{
		Model:   "text-moderation-latest",
		Results: []canon.ModerationResult{{Flagged: false}},
	}}
	h := NewHandler(&stubClient{}, WithAncillaryBackend(backend))

	req := httptest.NewRequest(http.MethodPost, "/v1/moderations", strings.NewReader(`{"model":"text-moderation-latest","input":["hi"]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Embeddings_OpaquePassthrough(t *testing.T) {
	backend := &stubAncillaryBackend{embedResp: json.RawMessage(`{"data":[{"embedding":[0.1,0.2]}]}`)}
	h := NewHandler(&stubClient{}, WithAncillaryBackend(backend))

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"text-embedding-3-small","input":"hi"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":[{"embedding":[0.1,0.2]}]}`, rec.Body.String())
}

func TestHandler_Batches_Passthrough(t *testing.T) {
	backend := &stubAncillaryBackend{batchResp: &canon.BatchCreateResponse{ID: "batch_1", Status: "validating"}}
	h := NewHandler(&stubClient{}, WithAncillaryBackend(backend))

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"input_file_id":"file-1","endpoint":"/v1/chat/completions","completion_window":"24h"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_AncillaryRoutes_NotConfiguredReturn501(t *testing.T) {
	h := NewHandler(&stubClient{})

	for _, path := range []string{"/v1/images/generations", "/v1/moderations", "/v1/embeddings", "/v1/batches"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
}
