// Package creds manages per-session OAuth credentials: handing out
// access tokens, refreshing them shortly before they expire, and
// linking new accounts through the authorization-code flow.
package creds

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/store"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// Token is an access token ready to be presented to a provider.
type Token struct {
	AccessToken string
	Account     string
	Expiry      time.Time

	// Stale is set when a refresh was due but failed, and the token
	// returned is the old one. The provider decides whether it still
	// works.
	Stale bool
}

// Config is the OAuth client configuration shared by every service.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string

	// RedirectURL is the callback registered with the provider.
	RedirectURL string

	// Services maps a service name to the scopes requested when linking.
	Services map[string][]string

	StateSecret   string
	StateTTL      time.Duration
	RefreshMargin time.Duration
}

// Manager hands out access tokens for (session, service, account)
// triples. It is safe for concurrent use.
type Manager struct {
	store    *store.Store
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	inflight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token and userinfo requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over st.
func New(st *store.Store, cfg Config, opts ...Option) *Manager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	m := &Manager{
		store:  st,
		cfg:    cfg,
		client: http.DefaultClient,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// oauthConfig returns the oauth2 config for service.
func (m *Manager) oauthConfig(service string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURL,
		Scopes:       m.cfg.Services[service],
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.cfg.AuthURL,
			TokenURL:  m.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext carries the manager's HTTP client into oauth2 calls.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// AccessToken returns a usable access token for the session's account
// on service. An empty account selects the first account linked for
// the service.
//
// A token within the refresh margin of its expiry is refreshed and the
// new token persisted in place. If that refresh fails the old token is
// returned with Stale set; the error is logged, not returned.
// Concurrent refreshes of the same credential within this process share
// one exchange.
func (m *Manager) AccessToken(ctx context.Context, sessionID, service, account string) (Token, error) {
	rec, err := m.lookup(ctx, sessionID, service, account)
	if err != nil {
		return Token{}, err
	}
	if !m.needsRefresh(rec) {
		return tokenOf(rec, false), nil
	}
	if rec.RefreshToken == "" {
		m.logger.Debug("token expiring with no refresh token",
			"session", sessionID, "service", service, "account", rec.Account)
		return tokenOf(rec, true), nil
	}

	key := sessionID + "\x00" + service + "\x00" + rec.Account
	v, err, shared := m.inflight.Do(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), rec)
	})
	if err != nil {
		m.logger.Warn("token refresh failed, using stale token",
			"session", sessionID, "service", service, "account", rec.Account, "error", err)
		return tokenOf(rec, true), nil
	}
	if shared {
		m.logger.Debug("token refresh shared",
			"session", sessionID, "service", service, "account", rec.Account)
	}
	return tokenOf(v.(store.Credential), false), nil
}

func (m *Manager) lookup(ctx context.Context, sid, service, account string) (store.Credential, error) {
	if account != "" {
		rec, err := m.store.Credential(ctx, sid, service, account)
		if errors.Is(err, store.ErrNotFound) {
			return store.Credential{}, &MissingError{Service: service, Account: account}
		}
		return rec, err
	}
	recs, err := m.store.Credentials(ctx, sid, service)
	if err != nil {
		return store.Credential{}, err
	}
	if len(recs) == 0 {
		return store.Credential{}, &MissingError{Service: service}
	}
	return recs[0], nil
}

func (m *Manager) needsRefresh(rec store.Credential) bool {
	if rec.Expiry.IsZero() {
		return false
	}
	return m.now().After(rec.Expiry.Add(-m.cfg.RefreshMargin))
}

// refresh exchanges the refresh token. The record is re-read first so a
// refresh that completed just before this one started is reused.
func (m *Manager) refresh(ctx context.Context, rec store.Credential) (store.Credential, error) {
	ctx, span := observability.StartSpan(ctx, "creds.refresh",
		"service", rec.Service, "session", rec.SessionID)
	defer span.End()

	if cur, err := m.store.Credential(ctx, rec.SessionID, rec.Service, rec.Account); err == nil && !m.needsRefresh(cur) {
		return cur, nil
	}

	src := m.oauthConfig(rec.Service).TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	m.metrics.Refresh(rec.Service, err)
	if err != nil {
		rerr := &RefreshError{Service: rec.Service, Account: rec.Account, Err: err}
		observability.RecordError(span, rerr)
		return store.Credential{}, rerr
	}

	rec.AccessToken = tok.AccessToken
	rec.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	// The provider has already rotated the token, so it is served even
	// when it cannot be stored; the next call refreshes again.
	if err := m.store.SaveCredential(ctx, rec); err != nil {
		observability.RecordError(span, err)
		m.logger.Warn("refreshed token not persisted",
			"session", rec.SessionID, "service", rec.Service, "account", rec.Account, "error", err)
		return rec, nil
	}
	m.touchService(ctx, rec.SessionID, rec.Service)
	m.logger.Info("token refreshed",
		"session", rec.SessionID, "service", rec.Service, "account", rec.Account,
		"expiry", rec.Expiry.Format(time.RFC3339))
	return rec, nil
}

func tokenOf(rec store.Credential, stale bool) Token {
	return Token{AccessToken: rec.AccessToken, Account: rec.Account, Expiry: rec.Expiry, Stale: stale}
}

// Client returns an HTTP client that presents the session's token for
// service as a bearer credential.
func (m *Manager) Client(ctx context.Context, sessionID, service, account string) (*http.Client, Token, error) {
	tok, err := m.AccessToken(ctx, sessionID, service, account)
	if err != nil {
		return nil, Token{}, err
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken, TokenType: "Bearer"})
	return oauth2.NewClient(m.oauthContext(ctx), src), tok, nil
}

// touchService bumps the service's lastSync. Failures are logged only.
func (m *Manager) touchService(ctx context.Context, sid, service string) {
	svc, err := m.store.Service(ctx, sid, service)
	if err != nil {
		return
	}
	now := m.now().UTC()
	svc.LastSync = &now
	if err := m.store.SaveService(ctx, sid, svc); err != nil {
		m.logger.Warn("service sync time not saved", "session", sid, "service", service, "error", err)
	}
}

// KnownServices lists the services a session can link, in a stable
// order.
var KnownServices = []string{"gmail", "calendar", "drive", "contacts"}

// Services lists the session's connected services. A session that has
// never linked anything gets a disconnected placeholder per known
// service so the UI has something to render.
func (m *Manager) Services(ctx context.Context, sessionID string) ([]store.ConnectedService, error) {
	svcs, err := m.store.Services(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(svcs) > 0 {
		return svcs, nil
	}
	out := make([]store.ConnectedService, 0, len(KnownServices))
	for _, name := range KnownServices {
		out = append(out, store.ConnectedService{Name: name, Status: store.ServiceDisconnected})
	}
	return out, nil
}
