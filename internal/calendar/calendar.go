// Package calendar reads upcoming events from a session's linked Google
// Calendar over CalDAV. The HTTP client passed to each call carries the
// account's bearer token; this package never sees credentials.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
)

// DefaultLookahead is the query window when the caller gives none.
const DefaultLookahead = 7 * 24 * time.Hour

// eventProps are the VEVENT properties requested from the server.
var eventProps = []string{
	ical.PropUID,
	ical.PropSummary,
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropDuration,
	ical.PropLocation,
	ical.PropDescription,
}

// Client queries the primary calendar of an account.
type Client struct {
	baseURL string
	loc     *time.Location
	logger  *slog.Logger
}

// New returns a Client rooted at baseURL, typically
// https://apidata.googleusercontent.com/caldav/v2/. Floating times are
// interpreted in loc, or UTC when loc is nil.
func New(baseURL string, loc *time.Location, logger *slog.Logger) *Client {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: baseURL, loc: loc, logger: logger}
}

// Events returns the events of account's primary calendar overlapping
// [from, to), ordered by start time.
func (c *Client) Events(ctx context.Context, hc *http.Client, account string, from, to time.Time) ([]result.Event, error) {
	if account == "" || strings.ContainsAny(account, "/?#") {
		return nil, fmt.Errorf("invalid calendar account %q", account)
	}
	if !to.After(from) {
		to = from.Add(DefaultLookahead)
	}

	dav, err := caldav.NewClient(hc, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("caldav client for %s: %w", c.baseURL, err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: eventProps,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	path := account + "/events"
	objects, err := dav.QueryCalendar(ctx, path, query)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("query calendar %s: %w: %w", path, httpkit.ErrUpstream, err)
	}

	events := make([]result.Event, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			e, err := c.convert(ev)
			if err != nil {
				c.logger.Debug("skipping calendar event", "path", obj.Path, "error", err)
				continue
			}
			if e.ID == "" {
				e.ID = obj.Path
			}
			events = append(events, e)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	c.logger.Debug("calendar queried", "account", account, "events", len(events))
	return events, nil
}

func (c *Client) convert(ev ical.Event) (result.Event, error) {
	start, err := ev.DateTimeStart(c.loc)
	if err != nil {
		return result.Event{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(c.loc)
	if err != nil {
		end = time.Time{}
	}

	text := func(name string) string {
		v, _ := ev.Props.Text(name)
		return v
	}

	title := text(ical.PropSummary)
	if title == "" {
		title = "(untitled)"
	}
	return result.Event{
		ID:          text(ical.PropUID),
		Title:       title,
		Start:       start,
		End:         end,
		Location:    text(ical.PropLocation),
		Description: text(ical.PropDescription),
	}, nil
}
