package models

import "context"

// CompletionRequest is the input to one analysis call. SerializedInputs is
// the JSON-encoded metadata subset for the stage being executed.
type CompletionRequest struct {
	SystemInstructions string
	TaskInstructions   string
	SerializedInputs   string
}

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly — always inject this interface.
// Complete returns raw model text; callers are responsible for parsing it
// against the stage's output schema and recovering from malformed responses.
type AIProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}
