package embed

import "fmt"

// Options selects and configures a backend.
type Options struct {
	Provider  ProviderType
	OllamaURL string
	Model     string
	// UseMetal is a hardware-acceleration hint forwarded to backends
	// that honour it. The Ollama server decides for itself.
	UseMetal bool
}

// NewEmbedder constructs the configured backend.
func NewEmbedder(opts Options) (Embedder, error) {
	switch opts.Provider {
	case ProviderOllama, "":
		return NewOllamaEmbedder(opts.OllamaURL, opts.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}
