package tools

import (
	"context"
	"errors"

	"github.com/nugget/cortex-agent/internal/directions"
	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
	"github.com/nugget/cortex-agent/internal/weather"
)

var errNoBackend = errors.New("backend not configured")

func (b *builtins) weatherTool() *Tool {
	return &Tool{
		Name:        "get_weather",
		Description: "Get current weather information for a location",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The city or location name",
				},
			},
			"required": []string{"location"},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Weather == nil {
				return nil, errors.Join(httpkit.ErrUpstream, errNoBackend)
			}
			return b.Weather.Current(ctx, stringArg(args, "location"))
		},
		Fallback: func(args map[string]any) result.Result {
			return weather.Sample(stringArg(args, "location"))
		},
	}
}

func (b *builtins) directionsTool() *Tool {
	return &Tool{
		Name:        "get_directions",
		Description: "Get a driving route between two places with distance, duration, and turn-by-turn steps",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"origin": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Starting place or address",
				},
				"destination": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Destination place or address",
				},
			},
			"required": []string{"origin", "destination"},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Directions == nil {
				return nil, errors.Join(httpkit.ErrUpstream, errNoBackend)
			}
			return b.Directions.Route(ctx, stringArg(args, "origin"), stringArg(args, "destination"))
		},
		Fallback: func(args map[string]any) result.Result {
			return directions.Sample(stringArg(args, "origin"), stringArg(args, "destination"))
		},
	}
}
