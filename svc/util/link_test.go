package util

import (
	"strings"
	"testing"
	"time"
)

var testLinkKey = []byte("0123456789abcdef0123456789abcdef")

func TestLinkSignVerify(t *testing.T) {
	s, err := NewLinkSigner(testLinkKey)
	if err != nil {
		t.Fatalf("NewLinkSigner failed: %v", err)
	}
	token, err := s.Sign("user-1", "0a1b2c3d4e5f60718293a4b5c6d7e8f9", time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token is not url safe: %s", token)
	}
	owner, err := s.Verify(token, "0a1b2c3d4e5f60718293a4b5c6d7e8f9")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if owner != "user-1" {
		t.Errorf("owner = %q, want user-1", owner)
	}
}

func TestLinkWrongItem(t *testing.T) {
	s, _ := NewLinkSigner(testLinkKey)
	token, _ := s.Sign("user-1", "item-a", time.Minute)
	if _, err := s.Verify(token, "item-b"); err != ErrLinkForged {
		t.Errorf("expected ErrLinkForged, got %v", err)
	}
}

func TestLinkExpired(t *testing.T) {
	s, _ := NewLinkSigner(testLinkKey)
	base := time.Now()
	s.now = func() time.Time { return base }
	token, _ := s.Sign("user-1", "item-a", time.Minute)
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Verify(token, "item-a"); err != ErrLinkExpired {
		t.Errorf("expected ErrLinkExpired, got %v", err)
	}
}

func TestLinkTampered(t *testing.T) {
	s, _ := NewLinkSigner(testLinkKey)
	token, _ := s.Sign("user-1", "item-a", time.Minute)
	b := []byte(token)
	if b[len(b)-1] == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	if _, err := s.Verify(string(b), "item-a"); err == nil {
		t.Error("tampered token verified")
	}
	if _, err := s.Verify("not a token!", "item-a"); err != ErrLinkMalformed {
		t.Errorf("expected ErrLinkMalformed, got %v", err)
	}
}

func TestLinkOtherKey(t *testing.T) {
	a, _ := NewLinkSigner(testLinkKey)
	b, _ := NewLinkSigner(DeriveLinkKey(testLinkKey))
	token, _ := a.Sign("user-1", "item-a", time.Minute)
	if _, err := b.Verify(token, "item-a"); err != ErrLinkForged {
		t.Errorf("expected ErrLinkForged, got %v", err)
	}
}

func TestLinkShortKey(t *testing.T) {
	if _, err := NewLinkSigner([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}
