package embed

import "context"

// Dim is the fixed embedding width; the store schema rejects any other.
const Dim = 768

// MaxInputChars caps embedder input. Longer text is middle-truncated so
// both the opening and the closing of a message survive.
const MaxInputChars = 8000

// Embedder computes a unit-normalised Dim-wide vector for a text.
// Implement this interface to add new inference backends.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderType selects the inference backend.
type ProviderType string

const (
	ProviderOllama ProviderType = "ollama"
)
