// Package llm is the client for the OpenAI-compatible chat completions
// endpoint that backs every turn. Requests and responses use the
// provider-neutral types in this package; wire conversion happens in
// openai.go.
package llm

import "context"

// Client is the completion endpoint as the orchestrator sees it.
type Client interface {
	// Complete sends a batched request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. The caller must Close the
	// returned stream.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields incremental deltas. Recv returns io.EOF after the last
// delta.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}
