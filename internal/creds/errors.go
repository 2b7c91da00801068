package creds

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing matches *MissingError.
	ErrCredentialMissing = errors.New("credential missing")

	// ErrRefreshFailed matches *RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrInvalidState is returned when an OAuth callback carries a state
	// parameter that was not issued by this manager or has expired.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrUnknownService is returned for a service with no scope set.
	ErrUnknownService = errors.New("unknown service")
)

// MissingError reports that a session has no linked account for a
// service. It is user-actionable: the fix is to link one.
type MissingError struct {
	Service string
	Account string
}

func (e *MissingError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("no %s credential for %s", e.Service, e.Account)
	}
	return fmt.Sprintf("no linked %s account for this session; link an account to continue", e.Service)
}

func (e *MissingError) Is(target error) bool { return target == ErrCredentialMissing }

// RefreshError wraps a failed refresh-token exchange.
type RefreshError struct {
	Service string
	Account string
	Err     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s token for %s: %v", e.Service, e.Account, e.Err)
}

func (e *RefreshError) Unwrap() []error { return []error{ErrRefreshFailed, e.Err} }
