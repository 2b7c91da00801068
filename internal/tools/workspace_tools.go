package tools

import (
	"context"
	"time"

	"github.com/nugget/cortex-agent/internal/result"
)

func (b *builtins) calendarTool() *Tool {
	return &Tool{
		Name:        "get_calendar_events",
		Description: "List upcoming events from the user's connected Google Calendar",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     31,
					"description": "How many days ahead to look (default 7)",
				},
				"account": accountParam,
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			hc, tok, err := b.client(ctx, serviceCalendar, stringArg(args, "account"), b.Calendar != nil)
			if err != nil {
				return nil, err
			}
			from := b.Now().UTC()
			to := from.Add(time.Duration(intArg(args, "days", b.LookaheadDays)) * 24 * time.Hour)
			events, err := b.Calendar.Events(ctx, hc, tok.Account, from, to)
			if err != nil {
				return nil, err
			}
			return result.Events{Events: events}, nil
		},
		Fallback: func(map[string]any) result.Result { return sampleEvents(b.Now()) },
	}
}

func (b *builtins) contactsTool() *Tool {
	return &Tool{
		Name:        "search_contacts",
		Description: "Search the user's Google Contacts by name, email, or organization",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to match; empty lists contacts",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     50,
					"description": "Maximum results (default 10)",
				},
				"account": accountParam,
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			hc, tok, err := b.client(ctx, serviceContacts, stringArg(args, "account"), b.Contacts != nil)
			if err != nil {
				return nil, err
			}
			found, err := b.Contacts.Search(ctx, hc, tok.Account, stringArg(args, "query"), intArg(args, "limit", 0))
			if err != nil {
				return nil, err
			}
			return result.Contacts{Contacts: found}, nil
		},
		Fallback: func(map[string]any) result.Result { return sampleContacts() },
	}
}

func (b *builtins) driveTool() *Tool {
	return &Tool{
		Name:        "list_drive_files",
		Description: "List recently modified files in the user's Google Drive",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Only files whose name contains this text",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     100,
					"description": "Maximum files (default 10)",
				},
				"account": accountParam,
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			hc, _, err := b.client(ctx, serviceDrive, stringArg(args, "account"), b.Drive != nil)
			if err != nil {
				return nil, err
			}
			files, err := b.Drive.Recent(ctx, hc, stringArg(args, "query"), intArg(args, "limit", 0))
			if err != nil {
				return nil, err
			}
			return result.Files{Files: files}, nil
		},
		Fallback: func(map[string]any) result.Result { return sampleFiles(b.Now()) },
	}
}
