package inference

import (
	"context"
	"fmt"

	"github.com/ppallis/conclave/internal/config"
)

// Request is a single-turn model call. Model overrides the client default
// when set; zero Temperature and MaxTokens fall back to client defaults.
type Request struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Text  string
	Model string
}

// Client answers single-turn inference requests.
type Client interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Client interface, for tests and canned
// responders.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Infer(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// New builds the provider named by the config.
func New(cfg config.InferenceConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
