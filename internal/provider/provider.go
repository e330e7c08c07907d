// Package provider defines the upstream adapter contract. Each route's
// provider family gets one Adapter implementation; the dispatcher
// selects it from the route descriptor.
package provider

import (
	"context"
	"os"
	"time"
)

// DefaultTimeout bounds buffered upstream calls. Streaming calls carry
// no hard deadline and rely on context cancellation.
const DefaultTimeout = 60 * time.Second

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Request is the normalized outbound call. Model is the route's
// resolved upstream alias, not the gateway-facing key.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	ID      string
	Content string
	Model   string
	Usage   Usage
}

// Chunk is one typed event on a streaming relay: raw SSE payload bytes
// to forward, optionally the usage observed so far (latest wins), or a
// terminal Done/Err marker. Exactly one terminal chunk ends a stream.
type Chunk struct {
	Data  []byte
	Usage *Usage
	Done  bool
	Err   error
}

type Adapter interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Name() string
}

// Credential resolves an indirect secret reference to its value. The
// second return is false when no credential is available, which is not
// an error: open or local endpoints need no authorization.
type Credential func(ref string) (string, bool)

// EnvCredential resolves references as environment variable names.
func EnvCredential(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	v := os.Getenv(ref)
	return v, v != ""
}
