package store

import (
	"context"
	"errors"
	"testing"
)

func TestLookupTokenResolvesDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddToken(ctx, "secret-forwarder-token", DeviceForwarder, "fwd-01"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	d, err := s.LookupToken(ctx, "secret-forwarder-token")
	if err != nil {
		t.Fatalf("LookupToken: %v", err)
	}
	if d.Type != DeviceForwarder || d.ID != "fwd-01" {
		t.Errorf("device = %+v", d)
	}
}

func TestLookupTokenUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LookupToken(context.Background(), "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLookupTokenRevoked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddToken(ctx, "doomed", DeviceReceiver, "rcv-01"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}
	if err := s.RevokeToken(ctx, "doomed"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := s.LookupToken(ctx, "doomed"); !errors.Is(err, ErrRevoked) {
		t.Errorf("err = %v, want ErrRevoked", err)
	}
}

func TestAddTokenRejectsBadDeviceType(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddToken(context.Background(), "t", "announcer", "x"); err == nil {
		t.Error("expected error for invalid device type")
	}
}

func TestHashTokenIsStableAndOpaque(t *testing.T) {
	h1 := HashToken("token-a")
	h2 := HashToken("token-a")
	if h1 != h2 {
		t.Error("hash not deterministic")
	}
	if h1 == "token-a" || len(h1) != 64 {
		t.Errorf("hash = %q, want 64 hex chars", h1)
	}
	if HashToken("token-b") == h1 {
		t.Error("distinct tokens must hash differently")
	}
}
