package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// ErrAuth is returned when the server rejects the OAuth token.
var ErrAuth = errors.New("mail authentication failed")

// Client reads and sends mail for any session's account. It holds no
// connection: each call dials, authenticates with the caller's token,
// and logs out, because tokens differ per session and expire.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a mail client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// dial opens an authenticated IMAP session. The caller must Logout and
// Close it.
func (c *Client) dial(ctx context.Context, account, token string) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.cfg.IMAPHost, strconv.Itoa(c.cfg.IMAPPort))

	opts := imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.cfg.IMAPHost},
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.IMAPHost, "account", account)

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.InsecureIMAP {
		client, err = imapclient.DialInsecure(addr, &opts)
	} else {
		client, err = imapclient.DialTLS(addr, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	// Abort the handshake if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: account,
		Token:    token,
		Host:     c.cfg.IMAPHost,
		Port:     c.cfg.IMAPPort,
	})
	if err := client.Authenticate(auth); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w for %s: %v", ErrAuth, account, err)
	}
	return client, nil
}

func closeIMAP(client *imapclient.Client) {
	_ = client.Logout().Wait()
	_ = client.Close()
}

// selectFolder selects a mailbox read-only.
func selectFolder(client *imapclient.Client, folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return data, nil
}
