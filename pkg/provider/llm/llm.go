// Package llm defines the Client interface for the language-model backend
// consumed by the memory core.
//
// The memory subsystem needs exactly one capability from the model: produce
// text for a prompt within a deadline. The transport (OpenAI, Anthropic,
// Ollama, …) lives behind this interface; see the anyllm subpackage for the
// production adapter.
//
// Implementations must be safe for concurrent use and must surface deadline
// expiry and provider rate limiting as typed [fault] errors so callers can
// consult the retryable flag.
package llm

import (
	"context"
	"sync/atomic"
	"time"
)

// GenerateOptions tunes a single [Client.Generate] call. Zero values select
// the implementation's defaults.
type GenerateOptions struct {
	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Timeout bounds the whole call. When set, the implementation derives a
	// deadline context and returns a timeout error on expiry.
	Timeout time.Duration
}

// Client is the abstraction over any text-generation backend.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Generate produces text for prompt. On deadline expiry it returns a
	// fault error with code E403 (timeout); on provider rate limiting, E401.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// ModelID returns the backend-specific model identifier, for logging.
	ModelID() string
}

// Pool is a round-robin rotation over multiple [Client] instances, used
// where a single credential would be rate-limited (e.g. bulk summarization
// during maintenance). Pool itself implements [Client].
//
// Safe for concurrent use.
type Pool struct {
	clients []Client
	next    atomic.Uint64
}

// NewPool creates a Pool over the given clients. At least one client is
// required; a single-client pool degenerates to that client.
func NewPool(clients ...Client) *Pool {
	return &Pool{clients: clients}
}

// Next returns the next client in rotation.
func (p *Pool) Next() Client {
	n := p.next.Add(1)
	return p.clients[int((n-1)%uint64(len(p.clients)))]
}

// Generate delegates to the next client in rotation.
func (p *Pool) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return p.Next().Generate(ctx, prompt, opts)
}

// ModelID reports the first client's model; rotation does not change the
// effective model, only the credential.
func (p *Pool) ModelID() string {
	return p.clients[0].ModelID()
}

var _ Client = (*Pool)(nil)
