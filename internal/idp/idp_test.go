package idp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wz1310/voice-cordova/internal/domain"
)

func TestTokenCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		codec := NewTokenCodec("s3cret", time.Hour)
		id, err := domain.NewIdentity("alice")
		if err != nil {
			t.Fatalf("identity: %v", err)
		}

		token, err := codec.Issue(id)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		got, err := codec.Verify(token)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if got.ID != id.ID || got.Name != "alice" {
			t.Fatalf("identity mangled: %+v", got)
		}
	})

	t.Run("wrong secret is unauthorized", func(t *testing.T) {
		id, _ := domain.NewIdentity("alice")
		token, err := NewTokenCodec("secret-a", time.Hour).Issue(id)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := NewTokenCodec("secret-b", time.Hour).Verify(token); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("expired token is unauthorized", func(t *testing.T) {
		codec := NewTokenCodec("s3cret", -time.Minute)
		id, _ := domain.NewIdentity("alice")
		token, err := codec.Issue(id)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := codec.Verify(token); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("garbage is unauthorized", func(t *testing.T) {
		codec := NewTokenCodec("s3cret", time.Hour)
		if _, err := codec.Verify("not-a-jwt"); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("open provider accepts anyone with stable identity", func(t *testing.T) {
		p := NewStaticProvider(nil)
		a, err := p.Lookup(ctx, "alice", "whatever")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		b, err := p.Lookup(ctx, "alice", "different-password")
		if err != nil {
			t.Fatalf("second lookup: %v", err)
		}
		if a.ID != b.ID {
			t.Fatal("identity not stable across lookups")
		}
		c, _ := p.Lookup(ctx, "bob", "")
		if c.ID == a.ID {
			t.Fatal("distinct users share an identity")
		}
	})

	t.Run("configured provider checks credentials", func(t *testing.T) {
		p := NewStaticProvider(map[string]string{"alice": "pw"})
		if _, err := p.Lookup(ctx, "alice", "pw"); err != nil {
			t.Fatalf("valid credentials rejected: %v", err)
		}
		if _, err := p.Lookup(ctx, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("expected ErrBadCredentials, got %v", err)
		}
		if _, err := p.Lookup(ctx, "mallory", "pw"); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("expected ErrBadCredentials for unknown user, got %v", err)
		}
	})

	t.Run("oversized name is rejected", func(t *testing.T) {
		p := NewStaticProvider(nil)
		if _, err := p.Lookup(ctx, strings.Repeat("x", domain.MaxNameLen+1), ""); !errors.Is(err, domain.ErrNameTooLong) {
			t.Fatalf("expected ErrNameTooLong, got %v", err)
		}
	})
}
