package service

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wafflebay/marketd/internal/domain"
)

func TestSecretKeeperRoundTrip(t *testing.T) {
	keeper, err := NewSecretKeeper(t.TempDir(), "correct horse")
	if err != nil {
		t.Fatalf("NewSecretKeeper: %v", err)
	}

	secret := []byte("the-reveal-preimage")
	if err := keeper.Store("m1", secret); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := keeper.Load("m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("Load = %q, want %q", got, secret)
	}

	if err := keeper.Remove("m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := keeper.Load("m1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Load after Remove = %v, want ErrNotFound", err)
	}
	// Removing again is a no-op.
	if err := keeper.Remove("m1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSecretKeeperRejectsPathEscapes(t *testing.T) {
	keeper, err := NewSecretKeeper(t.TempDir(), "pw")
	if err != nil {
		t.Fatalf("NewSecretKeeper: %v", err)
	}
	for _, id := range []string{"", "../other", "a/b", `a\b`} {
		if err := keeper.Store(id, []byte("x")); err == nil {
			t.Errorf("Store(%q) accepted, want error", id)
		}
	}
}

func TestSecretKeeperRequiresPassword(t *testing.T) {
	if _, err := NewSecretKeeper(t.TempDir(), ""); err == nil {
		t.Fatal("NewSecretKeeper with empty password succeeded, want error")
	}
}
