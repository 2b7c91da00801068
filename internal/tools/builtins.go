package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/cortex-agent/internal/creds"
	"github.com/nugget/cortex-agent/internal/email"
	"github.com/nugget/cortex-agent/internal/result"
	"github.com/nugget/cortex-agent/internal/store"
)

// Credentials hands out per-session access tokens.
type Credentials interface {
	AccessToken(ctx context.Context, sessionID, service, account string) (creds.Token, error)
	Client(ctx context.Context, sessionID, service, account string) (*http.Client, creds.Token, error)
}

// Mailer reads and sends mail for one account.
type Mailer interface {
	Recent(ctx context.Context, account, token string, limit int) ([]email.Envelope, error)
	Send(ctx context.Context, account, token string, out email.Outgoing) error
}

// CalendarReader lists events.
type CalendarReader interface {
	Events(ctx context.Context, hc *http.Client, account string, from, to time.Time) ([]result.Event, error)
}

// ContactSearcher searches an address book.
type ContactSearcher interface {
	Search(ctx context.Context, hc *http.Client, account, query string, limit int) ([]result.Contact, error)
}

// FileLister lists recent files.
type FileLister interface {
	Recent(ctx context.Context, hc *http.Client, query string, limit int) ([]result.File, error)
}

// WeatherSource reports current conditions.
type WeatherSource interface {
	Current(ctx context.Context, location string) (result.Weather, error)
}

// Router computes routes.
type Router interface {
	Route(ctx context.Context, origin, destination string) (result.Route, error)
}

// Deps are the backends of the built-in tools. A nil backend makes its
// tools behave as if no account were linked.
type Deps struct {
	Store      *store.Store
	Creds      Credentials
	Mail       Mailer
	Calendar   CalendarReader
	Contacts   ContactSearcher
	Drive      FileLister
	Weather    WeatherSource
	Directions Router

	// LookaheadDays is the default calendar window.
	LookaheadDays int

	Now func() time.Time
}

// Credential service names.
const (
	serviceGmail    = "gmail"
	serviceCalendar = "calendar"
	serviceDrive    = "drive"
	serviceContacts = "contacts"
)

// RegisterBuiltins registers the standard tool set on r.
func RegisterBuiltins(r *Registry, d Deps) error {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LookaheadDays <= 0 {
		d.LookaheadDays = 7
	}
	b := &builtins{Deps: d}

	for _, t := range []*Tool{
		b.weatherTool(),
		b.getEmailsTool(),
		b.sendEmailTool(),
		b.calendarTool(),
		b.contactsTool(),
		b.driveTool(),
		b.directionsTool(),
		b.storeMemoryTool(),
		b.listMemoriesTool(),
		b.createTaskTool(),
		b.listTasksTool(),
		b.updateTaskStatusTool(),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	Deps
}

// token resolves the access token for service, or a MissingError when
// the backend or the credential manager is absent.
func (b *builtins) token(ctx context.Context, service, account string, backend bool) (creds.Token, error) {
	if !backend || b.Creds == nil {
		return creds.Token{}, &creds.MissingError{Service: service}
	}
	return b.Creds.AccessToken(ctx, SessionIDFromContext(ctx), service, account)
}

func (b *builtins) client(ctx context.Context, service, account string, backend bool) (*http.Client, creds.Token, error) {
	if !backend || b.Creds == nil {
		return nil, creds.Token{}, &creds.MissingError{Service: service}
	}
	return b.Creds.Client(ctx, SessionIDFromContext(ctx), service, account)
}

// Argument helpers. Model output arrives as decoded JSON, so numbers
// are float64.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// stringsArg accepts either a list of strings or a single
// comma-separated string.
func stringsArg(args map[string]any, key string) []string {
	var raw []string
	switch v := args[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func timeArg(args map[string]any, key string) (*time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s: %q is not an ISO 8601 date or time", key, s)
}

// accountParam is the shared optional account selector.
var accountParam = map[string]any{
	"type":        "string",
	"description": "Linked account email to use; defaults to the first linked account",
}
