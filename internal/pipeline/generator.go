package pipeline

import "context"

type GenerateRequest struct {
	SessionKey  string `json:"session_key"`
	MemorialID  int64  `json:"memorial_id"`
	CallerID    int64  `json:"caller_id"`
	ContactName string `json:"contact_name"`
	InputPath   string `json:"input_path"`
}

type GenerateResult struct {
	MediaURL string `json:"media_url"`
}

// Generator produces the memorial's response media for one recorded input.
// Implementations must not retry; a failed call is final for that submission.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}
