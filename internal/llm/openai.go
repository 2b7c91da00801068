package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/cortex-agent/internal/config"
	"github.com/nugget/cortex-agent/internal/httpkit"
)

// Alias rewrites a requested model id. A request whose model contains
// Contains (case-insensitive) is sent as Target.
type Alias struct {
	Contains string
	Target   string
}

// Config configures an OpenAI client.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Aliases      []Alias

	// HTTPClient carries the endpoint's static headers and timeouts.
	// Streaming requests need it to have no overall timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAI is a Client for any OpenAI-compatible endpoint.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	aliases      []Alias
	logger       *slog.Logger
}

// NewOpenAI creates a client from cfg.
func NewOpenAI(cfg Config) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(oc),
		defaultModel: cfg.DefaultModel,
		aliases:      cfg.Aliases,
		logger:       logger,
	}
}

// ResolveModel maps a requested model id onto the provider id. An
// empty request selects the default model.
func (c *OpenAI) ResolveModel(requested string) string {
	if requested == "" {
		return c.defaultModel
	}
	lower := strings.ToLower(requested)
	for _, a := range c.aliases {
		if a.Contains != "" && strings.Contains(lower, strings.ToLower(a.Contains)) {
			return a.Target
		}
	}
	return requested
}

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	wire := c.buildRequest(req)
	c.logger.Log(ctx, config.LevelTrace, "completion request",
		"model", wire.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
	)

	resp, err := c.client.CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, wrapError(wire.Model, err)
	}

	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, fromWireMessage(ch.Message))
	}
	c.logger.Debug("completion finished",
		"model", resp.Model,
		"choices", len(resp.Choices),
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
	)
	return out, nil
}

// Stream implements Client.
func (c *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	wire := c.buildRequest(req)
	wire.Stream = true
	c.logger.Log(ctx, config.LevelTrace, "streaming completion request",
		"model", wire.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
	)

	s, err := c.client.CreateChatCompletionStream(ctx, wire)
	if err != nil {
		return nil, wrapError(wire.Model, err)
	}
	return &openAIStream{s: s, model: wire.Model}, nil
}

func (c *OpenAI) buildRequest(req Request) openai.ChatCompletionRequest {
	wire := openai.ChatCompletionRequest{
		Model:    c.ResolveModel(req.Model),
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(m))
	}
	if len(req.Tools) > 0 {
		wire.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			wire.Tools = append(wire.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		wire.ToolChoice = "auto"
	}
	return wire
}

func toWireMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

func fromWireMessage(m openai.ChatCompletionMessage) Message {
	out := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

type openAIStream struct {
	s     *openai.ChatCompletionStream
	model string
}

// Recv returns the next delta. Chunks without choices (usage trailers)
// yield an empty delta.
func (s *openAIStream) Recv() (Delta, error) {
	chunk, err := s.s.Recv()
	if err != nil {
		return Delta{}, wrapError(s.model, err)
	}
	var d Delta
	for _, ch := range chunk.Choices {
		d.Content += ch.Delta.Content
		for i, tc := range ch.Delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return d, nil
}

func (s *openAIStream) Close() error {
	return s.s.Close()
}

// APIError is a non-2xx answer from the completion endpoint.
type APIError struct {
	Model      string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion for %s: HTTP %d: %s", e.Model, e.StatusCode, e.Message)
}

// wrapError converts go-openai errors into *APIError and leaves
// io.EOF and context errors untouched so callers can compare them.
func wrapError(model string, err error) error {
	if err == nil || errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Model: model, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{Model: model, StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("completion for %s: %w", model, err)
}
