package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// Send composes and delivers out from account. Port 465 uses implicit
// TLS, anything else STARTTLS. Delivery is attempted once.
func (c *Client) Send(ctx context.Context, account, token string, out Outgoing) error {
	msg, err := Compose(account, out, time.Now())
	if err != nil {
		return err
	}
	recipients := collectRecipients(out.To, out.Cc)
	if len(recipients) == 0 {
		return errors.New("no valid recipients")
	}

	addr := net.JoinHostPort(c.cfg.SMTPHost, strconv.Itoa(c.cfg.SMTPPort))
	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	implicitTLS := c.cfg.SMTPPort == 465
	tlsCfg := &tls.Config{ServerName: c.cfg.SMTPHost}

	var conn net.Conn
	if implicitTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if !implicitTLS {
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	auth := saslAuth{sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: account,
		Token:    token,
		Host:     c.cfg.SMTPHost,
		Port:     c.cfg.SMTPPort,
	})}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrAuth, account, err)
	}

	if err := client.Mail(account); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	c.logger.Info("email sent", "account", account, "recipients", len(recipients))
	return client.Quit()
}

// saslAuth adapts a go-sasl client to net/smtp.
type saslAuth struct {
	client sasl.Client
}

func (a saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

// collectRecipients returns the unique bare addresses in the lists.
// Unparseable entries are dropped.
func collectRecipients(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, raw := range list {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				continue
			}
			if !seen[addr.Address] {
				seen[addr.Address] = true
				out = append(out, addr.Address)
			}
		}
	}
	return out
}
