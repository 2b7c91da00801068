package creds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/store"
)

// stateClaims is the payload of the OAuth state parameter.
type stateClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// Linked describes an account that completed the consent flow.
type Linked struct {
	SessionID string
	Service   string
	Account   string
	Scopes    []string
}

// AuthURL returns the provider consent URL for linking service to the
// session. The state parameter is a signed, short-lived token naming
// both, so the callback needs no server-side bookkeeping.
func (m *Manager) AuthURL(sessionID, service string) (string, error) {
	if err := store.ValidateID(sessionID); err != nil {
		return "", err
	}
	if _, ok := m.cfg.Services[service]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	state, err := m.signState(sessionID, service)
	if err != nil {
		return "", err
	}
	return m.oauthConfig(service).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (m *Manager) signState(sessionID, service string) (string, error) {
	if m.cfg.StateSecret == "" {
		return "", errors.New("credentials.state_secret is not configured")
	}
	now := m.now()
	claims := stateClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.StateTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.StateSecret))
}

func (m *Manager) parseState(state string) (sessionID, service string, err error) {
	parsed, err := jwt.ParseWithClaims(state, &stateClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.StateSecret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	claims, ok := parsed.Claims.(*stateClaims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.Service == "" {
		return "", "", ErrInvalidState
	}
	return claims.Subject, claims.Service, nil
}

// Complete finishes a consent flow: it verifies state, exchanges code,
// identifies the account through the userinfo endpoint, and stores the
// credential and its connected-service record.
func (m *Manager) Complete(ctx context.Context, state, code string) (Linked, error) {
	if strings.TrimSpace(code) == "" {
		return Linked{}, errors.New("authorization code required")
	}
	sid, service, err := m.parseState(state)
	if err != nil {
		return Linked{}, err
	}

	cfg := m.oauthConfig(service)
	tok, err := cfg.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return Linked{}, fmt.Errorf("exchange %s code: %w", service, err)
	}

	account, err := m.userEmail(ctx, tok)
	if err != nil {
		return Linked{}, err
	}

	scopes := cfg.Scopes
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}

	rec := store.Credential{
		SessionID:    sid,
		Service:      service,
		Account:      account,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
	if prev, err := m.store.Credential(ctx, sid, service, account); err == nil {
		rec.CreatedAt = prev.CreatedAt
		if rec.RefreshToken == "" {
			rec.RefreshToken = prev.RefreshToken
		}
	}
	if err := m.store.SaveCredential(ctx, rec); err != nil {
		return Linked{}, err
	}

	now := m.now().UTC()
	svc, err := m.store.Service(ctx, sid, service)
	if err != nil || svc.Status != store.ServiceActive {
		svc = store.ConnectedService{Name: service, ConnectedAt: &now, Accounts: svc.Accounts}
	}
	svc.Status = store.ServiceActive
	svc.LastSync = &now
	svc.Scopes = scopes
	if !slices.Contains(svc.Accounts, account) {
		svc.Accounts = append(svc.Accounts, account)
	}
	if err := m.store.SaveService(ctx, sid, svc); err != nil {
		return Linked{}, err
	}

	m.logger.Info("account linked", "session", sid, "service", service, "account", account)
	return Linked{SessionID: sid, Service: service, Account: account, Scopes: scopes}, nil
}

type userInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func (m *Manager) userEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	if m.cfg.UserInfoURL == "" {
		return "", errors.New("credentials.userinfo_url is not configured")
	}
	client := oauth2.NewClient(m.oauthContext(ctx), oauth2.StaticTokenSource(tok))

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	var info userInfo
	if err := httpkit.DoJSON(client, req, &info); err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	if info.Email == "" {
		return "", errors.New("userinfo: no email in response")
	}
	return strings.ToLower(info.Email), nil
}

// Unlink removes one linked account. Once the last account for the
// service is gone the service is marked disconnected.
func (m *Manager) Unlink(ctx context.Context, sessionID, service, account string) error {
	if account == "" {
		recs, err := m.store.Credentials(ctx, sessionID, service)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := m.store.DeleteCredential(ctx, sessionID, service, r.Account); err != nil {
				return err
			}
		}
	} else if err := m.store.DeleteCredential(ctx, sessionID, service, account); err != nil {
		return err
	}

	remaining, err := m.store.Credentials(ctx, sessionID, service)
	if err != nil {
		return err
	}
	svc, err := m.store.Service(ctx, sessionID, service)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	svc.Accounts = svc.Accounts[:0]
	for _, r := range remaining {
		svc.Accounts = append(svc.Accounts, r.Account)
	}
	if len(remaining) == 0 {
		svc.Status = store.ServiceDisconnected
	}
	m.logger.Info("account unlinked", "session", sessionID, "service", service, "account", account)
	return m.store.SaveService(ctx, sessionID, svc)
}
