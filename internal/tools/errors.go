package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/nugget/cortex-agent/internal/creds"
	"github.com/nugget/cortex-agent/internal/email"
	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/mcp"
)

// ErrToolUnavailable is reported when a call targets a name that neither
// the registry nor the secondary provider knows.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// Fallbackable reports whether a read tool may answer err with example
// data: the account is not linked, or the upstream could not be
// reached.
func Fallbackable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, creds.ErrCredentialMissing) ||
		errors.Is(err, httpkit.ErrUpstream) ||
		errors.Is(err, email.ErrAuth) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// failureText is the message shown to the model for err. A missing
// credential keeps its actionable wording.
func failureText(err error) string {
	var missing *creds.MissingError
	if errors.As(err, &missing) {
		return missing.Error()
	}
	return err.Error()
}

func isUnknownTool(err error) bool {
	return errors.Is(err, mcp.ErrUnknownTool)
}
