package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxPreviewSize bounds how much of each message is buffered to build
// its snippet.
const maxPreviewSize = 64 * 1024

// Recent returns the newest limit messages in the account's inbox,
// newest first. Bodies are peeked, so nothing is marked read.
func (c *Client) Recent(ctx context.Context, account, token string, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 10
	}
	client, err := c.dial(ctx, account, token)
	if err != nil {
		return nil, err
	}
	defer closeIMAP(client)

	if _, err := selectFolder(client, "INBOX"); err != nil {
		return nil, err
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}
	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return []Envelope{}, nil
	}

	// Highest UIDs are newest.
	start := 0
	if len(allUIDs) > limit {
		start = len(allUIDs) - limit
	}
	uidSet := imap.UIDSet{}
	for _, uid := range allUIDs[start:] {
		uidSet.AddNum(uid)
	}

	return c.fetchEnvelopes(client, uidSet)
}

// fetchEnvelopes fetches envelopes and a body preview for uidSet and
// returns them newest-first.
func (c *Client) fetchEnvelopes(client *imapclient.Client, uidSet imap.UIDSet) ([]Envelope, error) {
	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)

	envelopes := []Envelope{}
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := c.parseMessageData(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}
	return envelopes, nil
}

func (c *Client) parseMessageData(msg *imapclient.FetchMessageData) (Envelope, error) {
	var env Envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				env.MessageID = data.Envelope.MessageID
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					env.To = append(env.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			// The literal must be consumed before msg.Next() or the
			// stream desyncs.
			if data.Literal == nil {
				continue
			}
			raw, err := io.ReadAll(io.LimitReader(data.Literal, maxPreviewSize))
			drainLiteral(data.Literal)
			if err != nil {
				c.logger.Debug("error reading body literal", "error", err)
				continue
			}
			env.Snippet = c.preview(raw)
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}
	return env, nil
}

// preview walks the MIME tree for the first text part. Unknown charsets
// are tolerated; a slightly garbled snippet beats none.
func (c *Client) preview(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		if err != nil {
			c.logger.Debug("unparseable message body", "error", err)
		}
		return ""
	}

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPreviewSize))
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain":
			return Snippet(string(body), false)
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(body)
		}
	}
	if htmlBody != "" {
		return Snippet(htmlBody, true)
	}
	return ""
}

// formatAddress formats an IMAP address as "Name <user@host>" or
// just "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", strings.TrimSpace(addr.Name), email)
	}
	return email
}
