package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/cortex-agent/internal/email"
	"github.com/nugget/cortex-agent/internal/result"
)

const (
	defaultEmailCount = 5
	maxEmailCount     = 50
	// queryScanFactor widens the fetch when a query filters locally.
	queryScanFactor = 4
)

func (b *builtins) getEmailsTool() *Tool {
	return &Tool{
		Name:        "get_emails",
		Description: "Retrieve recent emails from the user's connected Gmail account",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     maxEmailCount,
					"description": "Number of emails to fetch (default 5)",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Search query to filter emails by sender or subject",
				},
				"account": accountParam,
			},
		},
		Handler:  b.handleGetEmails,
		Fallback: func(args map[string]any) result.Result { return sampleEmails(intArg(args, "count", defaultEmailCount)) },
	}
}

func (b *builtins) handleGetEmails(ctx context.Context, args map[string]any) (result.Result, error) {
	count := intArg(args, "count", defaultEmailCount)
	query := strings.ToLower(stringArg(args, "query"))

	tok, err := b.token(ctx, serviceGmail, stringArg(args, "account"), b.Mail != nil)
	if err != nil {
		return nil, err
	}

	fetch := count
	if query != "" {
		fetch = min(count*queryScanFactor, maxEmailCount*queryScanFactor)
	}
	envelopes, err := b.Mail.Recent(ctx, tok.Account, tok.AccessToken, fetch)
	if err != nil {
		return nil, err
	}

	out := result.Emails{Emails: []result.Email{}}
	for _, env := range envelopes {
		if query != "" && !strings.Contains(strings.ToLower(env.From+" "+env.Subject+" "+env.Snippet), query) {
			continue
		}
		out.Emails = append(out.Emails, result.Email{
			ID:       strconv.FormatUint(uint64(env.UID), 10),
			ThreadID: env.MessageID,
			Sender:   env.From,
			Subject:  env.Subject,
			Date:     env.Date.UTC().Format(time.RFC3339),
			Snippet:  env.Snippet,
		})
		if len(out.Emails) == count {
			break
		}
	}
	return out, nil
}

func (b *builtins) sendEmailTool() *Tool {
	return &Tool{
		Name:        "send_email",
		Description: "Send an email from the user's connected Gmail account. The body may use markdown.",
		Kind:        Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"minItems":    1,
					"description": "Recipient addresses",
				},
				"cc": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Carbon-copy addresses",
				},
				"subject": map[string]any{"type": "string", "description": "Subject line"},
				"body":    map[string]any{"type": "string", "minLength": 1, "description": "Message body in markdown"},
				"account": accountParam,
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: b.handleSendEmail,
	}
}

func (b *builtins) handleSendEmail(ctx context.Context, args map[string]any) (result.Result, error) {
	out := email.Outgoing{
		To:      stringsArg(args, "to"),
		Cc:      stringsArg(args, "cc"),
		Subject: stringArg(args, "subject"),
		Body:    stringArg(args, "body"),
	}
	if len(out.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	tok, err := b.token(ctx, serviceGmail, stringArg(args, "account"), b.Mail != nil)
	if err != nil {
		return nil, err
	}
	if err := b.Mail.Send(ctx, tok.Account, tok.AccessToken, out); err != nil {
		return nil, err
	}
	return result.OK(), nil
}
