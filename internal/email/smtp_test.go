package email

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
)

func TestCollectRecipients(t *testing.T) {
	got := collectRecipients(
		[]string{"Alice <alice@example.com>", "bob@example.com"},
		[]string{"cc@example.com", "alice@example.com", "not an address"},
	)
	want := []string{"alice@example.com", "bob@example.com", "cc@example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("collectRecipients = %v, want %v", got, want)
	}

	if got := collectRecipients(nil, nil); len(got) != 0 {
		t.Errorf("empty inputs gave %v", got)
	}
}

func TestSASLAuthAdapter(t *testing.T) {
	auth := saslAuth{sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: "ada@example.com",
		Token:    "ya29.token",
	})}

	mech, ir, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "OAUTHBEARER" {
		t.Errorf("mechanism = %q", mech)
	}
	if !strings.Contains(string(ir), "a=ada@example.com") || !strings.Contains(string(ir), "auth=Bearer ya29.token") {
		t.Errorf("initial response = %q", ir)
	}

	if resp, err := auth.Next(nil, false); err != nil || resp != nil {
		t.Errorf("Next(done) = %q, %v", resp, err)
	}
}
