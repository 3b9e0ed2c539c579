package creds

import (
	"errors"
	"testing"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")

	s := NewEnvStore()
	token, err := s.GetToken("openrouter")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "sk-or-test" {
		t.Fatalf("unexpected token %q", token)
	}

	if _, err := s.GetToken("missing-vendor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetToken("nim"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetToken("NIM", "nvapi-test"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	token, err := s.GetToken("nim")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "nvapi-test" {
		t.Fatalf("unexpected token %q", token)
	}
}
