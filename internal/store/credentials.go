package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Credential is the stored OAuth token set for one
// (session, service, account) triple.
type Credential struct {
	SessionID    string    `json:"sessionId"`
	Service      string    `json:"service"`
	Account      string    `json:"account"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Connected-service statuses.
const (
	ServiceActive       = "active"
	ServiceDisconnected = "disconnected"
)

// ConnectedService is the per-session summary of a linked service,
// safe to show to the UI (no tokens).
type ConnectedService struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Accounts    []string   `json:"accounts,omitempty"`
	LastSync    *time.Time `json:"lastSync,omitempty"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
}

func credKey(sid, service, account string) string {
	return credServicePrefix(sid, service) + account
}

func validateCredIdentity(sid, service, account string) error {
	if err := ValidateID(sid); err != nil {
		return err
	}
	if err := validateComponent("service", service); err != nil {
		return err
	}
	return validateComponent("account", account)
}

// SaveCredential writes c in place: saving the same identity again
// overwrites the record and keeps its position in insertion order.
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	if err := validateCredIdentity(c.SessionID, c.Service, c.Account); err != nil {
		return err
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	sealed, err := s.seal(raw)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	if err := s.kv.Put(ctx, credKey(c.SessionID, c.Service, c.Account), sealed); err != nil {
		return fmt.Errorf("save credential %s/%s: %w", c.Service, c.Account, err)
	}
	return nil
}

// Credential loads one credential.
func (s *Store) Credential(ctx context.Context, sid, service, account string) (Credential, error) {
	if err := validateCredIdentity(sid, service, account); err != nil {
		return Credential{}, err
	}
	raw, ok, err := s.kv.Get(ctx, credKey(sid, service, account))
	if err != nil {
		return Credential{}, err
	}
	if !ok {
		return Credential{}, fmt.Errorf("credential %s/%s: %w", service, account, ErrNotFound)
	}
	return s.decodeCredential(raw)
}

// Credentials returns a session's credentials for service in insertion
// order. An empty service lists every service.
func (s *Store) Credentials(ctx context.Context, sid, service string) ([]Credential, error) {
	if err := ValidateID(sid); err != nil {
		return nil, err
	}
	prefix := credPrefix(sid)
	if service != "" {
		if err := validateComponent("service", service); err != nil {
			return nil, err
		}
		prefix = credServicePrefix(sid, service)
	}
	entries, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]Credential, 0, len(entries))
	for _, e := range entries {
		c, err := s.decodeCredential(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCredential removes one credential. Deleting a missing record is
// not an error.
func (s *Store) DeleteCredential(ctx context.Context, sid, service, account string) error {
	if err := validateCredIdentity(sid, service, account); err != nil {
		return err
	}
	return s.kv.Delete(ctx, credKey(sid, service, account))
}

func (s *Store) decodeCredential(raw []byte) (Credential, error) {
	plain, err := s.unseal(raw)
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return c, nil
}

// SaveService writes the connected-service summary.
func (s *Store) SaveService(ctx context.Context, sid string, svc ConnectedService) error {
	if err := ValidateID(sid); err != nil {
		return err
	}
	if err := validateComponent("service", svc.Name); err != nil {
		return err
	}
	return s.putJSON(ctx, servicePrefix(sid)+svc.Name, svc)
}

// Service loads one connected-service summary.
func (s *Store) Service(ctx context.Context, sid, name string) (ConnectedService, error) {
	if err := ValidateID(sid); err != nil {
		return ConnectedService{}, err
	}
	var svc ConnectedService
	if err := s.getJSON(ctx, servicePrefix(sid)+name, &svc); err != nil {
		return ConnectedService{}, fmt.Errorf("service %s: %w", name, err)
	}
	return svc, nil
}

// Services lists the session's connected-service summaries in the order
// they were first linked.
func (s *Store) Services(ctx context.Context, sid string) ([]ConnectedService, error) {
	if err := ValidateID(sid); err != nil {
		return nil, err
	}
	return listJSON[ConnectedService](ctx, s, servicePrefix(sid))
}
