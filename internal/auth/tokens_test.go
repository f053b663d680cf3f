package auth

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	ti := NewTokenIssuer("test-secret", time.Hour)

	token, err := ti.Issue(Principal{User: "host@example.com", Name: "Host", Role: RoleHost})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.User != "host@example.com" || p.Role != RoleHost || p.Name != "Host" {
		t.Fatalf("principal = %+v", p)
	}
	if !p.IsHost() {
		t.Fatal("host principal not recognized as host")
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	ti := NewTokenIssuer("test-secret", time.Hour)

	if _, err := ti.Verify("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}

	other := NewTokenIssuer("other-secret", time.Hour)
	token, _ := other.Issue(Principal{User: "u", Role: RoleParticipant})
	if _, err := ti.Verify(token); err == nil {
		t.Fatal("token signed with wrong secret accepted")
	}

	expired := NewTokenIssuer("test-secret", -time.Minute)
	token, _ = expired.Issue(Principal{User: "u", Role: RoleParticipant})
	if _, err := ti.Verify(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	ti := NewTokenIssuer("test-secret", time.Hour)
	// Header {"alg":"none","typ":"JWT"} with arbitrary claims.
	unsigned := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJ1c2VyIjoiaG9zdEBleGFtcGxlLmNvbSIsInJvbGUiOiJob3N0In0."
	if _, err := ti.Verify(unsigned); err == nil {
		t.Fatal("unsigned token accepted")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+919876543210", "919876543210", false},
		{"919876543210", "919876543210", false},
		{"+1 (415) 555-0123", "14155550123", false},
		{" +44 7700 900123 ", "447700900123", false},
		{"12345", "", true},
		{"+0123456789", "", true},
		{"notaphone", "", true},
		{"", "", true},
		{"+9198765432101234567", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizePhone(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePhone(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if strings.ContainsAny(got, "+ -()") {
			t.Errorf("NormalizePhone(%q) = %q contains formatting", tt.in, got)
		}
	}
}

func TestPrincipalUserType(t *testing.T) {
	if got := (Principal{Role: RoleParticipant}).UserType(); got != "participants" {
		t.Fatalf("participant maps to %s", got)
	}
	if got := (Principal{Role: RoleHost}).UserType(); got != "hosts" {
		t.Fatalf("host maps to %s", got)
	}
	if got := (Principal{Role: RoleCoHost}).UserType(); got != "hosts" {
		t.Fatalf("co-host maps to %s", got)
	}
}
