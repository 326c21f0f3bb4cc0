package canon

// The types below are the "provider response surface types" spec.md §3
// calls out for gateway completeness. They are plain record types; no
// translation logic is specified for them beyond passthrough at the gateway
// boundary (SPEC_FULL.md §12).

type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      *int   `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type ImageGenerationResponse struct {
	Created int64            `json:"created"`
	Images  []GeneratedImage `json:"data"`
}

type GeneratedImage struct {
	URL           string `json:"url,omitempty"`
	Base64JSON    string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type ModerationRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type ModerationResponse struct {
	Model   string             `json:"model"`
	Results []ModerationResult `json:"results"`
}

type ModerationResult struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]bool    `json:"categories"`
	Scores     map[string]float64 `json:"category_scores"`
}

type BatchCreateRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

type BatchCreateResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}
