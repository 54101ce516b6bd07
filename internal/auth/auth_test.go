package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndIdentify(t *testing.T) {
	token, err := Issue("s3cret", "donor-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := NewVerifier("s3cret")
	got, err := v.Identify("Bearer "+token, "spoofed")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got != "donor-1" {
		t.Errorf("user = %q, want donor-1", got)
	}
}

func TestIdentify_Rejects(t *testing.T) {
	good, _ := Issue("s3cret", "donor-1", time.Hour)
	expired, _ := Issue("s3cret", "donor-1", -time.Minute)
	other, _ := Issue("different", "donor-1", time.Hour)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "donor-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "donor-1",
	}}).SignedString([]byte("s3cret"))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic " + good},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not.a.token"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + other},
		{"alg none", "Bearer " + unsigned},
		{"no expiry", "Bearer " + noExpiry},
	}
	v := NewVerifier("s3cret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Identify(tt.header, "donor-1"); !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("err = %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestIdentify_TrustingMode(t *testing.T) {
	v := NewVerifier("")
	if !v.Trusting() {
		t.Fatal("empty secret should trust the user header")
	}
	got, err := v.Identify("", " ngo-7 ")
	if err != nil || got != "ngo-7" {
		t.Errorf("Identify = %q, %v", got, err)
	}
	if _, err := v.Identify("", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestIssue_Validation(t *testing.T) {
	if _, err := Issue("", "u", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := Issue("s", "", time.Hour); err == nil {
		t.Error("expected error for empty user")
	}
}
