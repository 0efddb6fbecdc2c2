// Package mock provides a scriptable [llm.Client] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// Client is an [llm.Client] returning canned responses. Safe for concurrent
// use.
type Client struct {
	mu sync.Mutex

	// Response is returned by Generate when Err is nil and GenerateFunc is
	// unset.
	Response string

	// Err, when set, is returned by every Generate call.
	Err error

	// GenerateFunc, when set, fully overrides Generate.
	GenerateFunc func(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error)

	// Prompts records every prompt passed to Generate.
	Prompts []string

	// Model is reported by ModelID. Defaults to "mock".
	Model string
}

var _ llm.Client = (*Client)(nil)

func (c *Client) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	c.mu.Lock()
	c.Prompts = append(c.Prompts, prompt)
	fn := c.GenerateFunc
	resp, err := c.Response, c.Err
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, opts)
	}
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (c *Client) ModelID() string {
	if c.Model == "" {
		return "mock"
	}
	return c.Model
}

// CallCount returns how many times Generate was invoked.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Prompts)
}
