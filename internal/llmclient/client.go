// internal/llmclient/client.go
package llmclient

import (
	"context"
	"errors"
)

// ErrNoCredentials is returned by the factory when the configured provider
// has no API key.
var ErrNoCredentials = errors.New("no LLM credentials configured")

// Request is a single prompt exchange.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// JSON asks the provider to constrain its output to a JSON object.
	JSON bool
}

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
