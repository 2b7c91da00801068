// Package email reads and sends Gmail on behalf of a session's linked
// account. Reading is IMAP (go-imap/v2) and sending is SMTP; both
// authenticate with the account's OAuth access token through SASL
// OAUTHBEARER, so no mailbox password is ever stored.
package email

import (
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/net/html"
)

// Config names the mail endpoints. Gmail defaults are applied by the
// config package.
type Config struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int

	// InsecureIMAP dials IMAP without TLS. Only for local test servers.
	InsecureIMAP bool
}

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary of one message as shown in a list.
type Envelope struct {
	UID       uint32
	MessageID string
	Date      time.Time
	From      string
	To        []string
	Subject   string
	Snippet   string
}

// Outgoing describes a message to send. Body is markdown.
type Outgoing struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// snippetRunes bounds list-view snippets.
const snippetRunes = 160

// Snippet collapses a body to a single short line. HTML bodies are
// reduced to their text first.
func Snippet(body string, isHTML bool) string {
	if isHTML {
		body = htmlText(body)
	}
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:snippetRunes])) + "…"
}

// htmlText extracts visible text from an HTML fragment, skipping
// script and style content.
func htmlText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				skip++
			case "br", "p", "div", "li", "tr":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}
