// Package contacts searches a session's linked Google address book over
// CardDAV.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav/carddav"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
)

// DefaultLimit caps search results when the caller gives no limit.
const DefaultLimit = 10

// Client searches the default address book of an account.
type Client struct {
	baseURL string
	logger  *slog.Logger
}

// New returns a Client rooted at baseURL, typically
// https://www.googleapis.com/carddav/v1/principals/.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: baseURL, logger: logger}
}

// Search returns contacts whose name, email, or organization contains
// query, case-insensitively. An empty query lists the address book.
func (c *Client) Search(ctx context.Context, hc *http.Client, account, query string, limit int) ([]result.Contact, error) {
	if account == "" || strings.ContainsAny(account, "/?#") {
		return nil, fmt.Errorf("invalid contacts account %q", account)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	dav, err := carddav.NewClient(hc, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("carddav client for %s: %w", c.baseURL, err)
	}

	q := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{
				vcard.FieldFormattedName,
				vcard.FieldName,
				vcard.FieldEmail,
				vcard.FieldTelephone,
				vcard.FieldOrganization,
			},
		},
		Limit: limit,
	}
	if query = strings.TrimSpace(query); query != "" {
		q.FilterTest = carddav.FilterAnyOf
		for _, field := range []string{vcard.FieldFormattedName, vcard.FieldEmail, vcard.FieldOrganization} {
			q.PropFilters = append(q.PropFilters, carddav.PropFilter{
				Name:        field,
				TextMatches: []carddav.TextMatch{{Text: query, MatchType: carddav.MatchContains}},
			})
		}
	}

	path := account + "/lists/default/"
	objects, err := dav.QueryAddressBook(ctx, path, q)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("query address book %s: %w: %w", path, httpkit.ErrUpstream, err)
	}

	out := make([]result.Contact, 0, len(objects))
	for _, obj := range objects {
		ct := fromCard(obj.Card)
		if ct.Name == "" && len(ct.Emails) == 0 {
			continue
		}
		// Servers may ignore the filter; apply it locally as well.
		if query != "" && !matches(ct, query) {
			continue
		}
		out = append(out, ct)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	c.logger.Debug("address book searched", "account", account, "matches", len(out))
	return out, nil
}

// fromCard extracts the fields shown to the model.
func fromCard(card vcard.Card) result.Contact {
	name := card.PreferredValue(vcard.FieldFormattedName)
	if name == "" {
		if n := card.Name(); n != nil {
			name = strings.TrimSpace(strings.Join([]string{n.GivenName, n.FamilyName}, " "))
		}
	}

	ct := result.Contact{Name: name}
	for _, v := range card.Values(vcard.FieldEmail) {
		if v = strings.TrimSpace(v); v != "" {
			ct.Emails = append(ct.Emails, v)
		}
	}
	for _, v := range card.Values(vcard.FieldTelephone) {
		if v = strings.TrimSpace(strings.TrimPrefix(v, "tel:")); v != "" {
			ct.Phones = append(ct.Phones, v)
		}
	}
	// ORG components are separated by ';'; the first is the company.
	if org := card.PreferredValue(vcard.FieldOrganization); org != "" {
		ct.Organization = strings.TrimSpace(strings.SplitN(org, ";", 2)[0])
	}
	if ct.Name == "" && len(ct.Emails) > 0 {
		ct.Name = ct.Emails[0]
	}
	return ct
}

func matches(ct result.Contact, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(ct.Name), q) || strings.Contains(strings.ToLower(ct.Organization), q) {
		return true
	}
	for _, e := range ct.Emails {
		if strings.Contains(strings.ToLower(e), q) {
			return true
		}
	}
	return false
}
