package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
	embopenai "github.com/mnemohq/mnemo/pkg/provider/embeddings/openai"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
	"github.com/mnemohq/mnemo/pkg/provider/llm/anyllm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Client, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Client, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Client, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Client, error)),
	}
}

// RegisterLLM registers an LLM client factory under name, replacing any
// existing registration.
func (r *Registry) RegisterLLM(name string, fn func(ProviderEntry) (llm.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = fn
}

// RegisterEmbeddings registers an embeddings client factory under name,
// replacing any existing registration.
func (r *Registry) RegisterEmbeddings(name string, fn func(ProviderEntry) (embeddings.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = fn
}

// CreateLLM builds the LLM client selected by entry. When entry lists
// multiple API keys the result is a rotating [llm.Pool] with one client per
// key.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Client, error) {
	r.mu.RLock()
	fn, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrProviderNotRegistered, entry.Name)
	}

	keys := entry.APIKeys
	if len(keys) == 0 {
		return fn(entry)
	}

	clients := make([]llm.Client, 0, len(keys))
	for _, key := range keys {
		e := entry
		e.APIKey = key
		c, err := fn(e)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if len(clients) == 1 {
		return clients[0], nil
	}
	return llm.NewPool(clients...), nil
}

// CreateEmbeddings builds the embeddings client selected by entry.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Client, error) {
	r.mu.RLock()
	fn, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings %q", ErrProviderNotRegistered, entry.Name)
	}
	return fn(entry)
}

// DefaultRegistry returns a Registry with the built-in providers wired:
// every any-llm-go backend for LLMs and the OpenAI adapter for embeddings.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, name := range ValidProviderNames["llm"] {
		r.RegisterLLM(name, func(entry ProviderEntry) (llm.Client, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(entry.Name, entry.Model, opts...)
		})
	}

	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Client, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	// Ollama speaks the OpenAI embeddings API on /v1.
	r.RegisterEmbeddings("ollama", func(entry ProviderEntry) (embeddings.Client, error) {
		base := entry.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		key := entry.APIKey
		if key == "" {
			key = "ollama"
		}
		return embopenai.New(key, entry.Model, embopenai.WithBaseURL(base))
	})

	return r
}
