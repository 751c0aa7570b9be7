package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestHostTokenSetGetDelete(t *testing.T) {
	keyring.MockInit()
	s := NewStore("ugc-test", "")

	if _, err := s.HostToken(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: %v", err)
	}
	if err := s.SetHostToken("tok-1"); err != nil {
		t.Fatalf("SetHostToken: %v", err)
	}
	got, err := s.HostToken()
	if err != nil || got != "tok-1" {
		t.Fatalf("HostToken = %q, %v", got, err)
	}
	if err := s.SetHostToken("  "); err == nil {
		t.Error("blank token stored")
	}
	if err := s.DeleteHostToken(); err != nil {
		t.Fatalf("DeleteHostToken: %v", err)
	}
	if _, err := s.HostToken(); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}

func TestEnsureHostToken(t *testing.T) {
	keyring.MockInit()
	s := NewStore("ugc-test", "")

	first, created, err := s.EnsureHostToken("")
	if err != nil || !created || len(first) != 32 {
		t.Fatalf("generate: %q created=%v err=%v", first, created, err)
	}
	again, created, err := s.EnsureHostToken("")
	if err != nil || created || again != first {
		t.Fatalf("reuse: %q created=%v err=%v", again, created, err)
	}
	cfg, created, err := s.EnsureHostToken(" configured ")
	if err != nil || created || cfg != "configured" {
		t.Fatalf("configured: %q created=%v err=%v", cfg, created, err)
	}
	if stored, _ := s.HostToken(); stored != "configured" {
		t.Errorf("configured token not persisted: %q", stored)
	}
}

func TestFallbackWhenKeyringUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: session bus is not available"))
	path := filepath.Join(t.TempDir(), "secrets", "fallback.json")
	s := NewStore("ugc-test", path)

	if _, err := s.HostToken(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty fallback: %v", err)
	}
	if err := s.SetHostToken("tok-2"); err != nil {
		t.Fatalf("SetHostToken: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("fallback file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("fallback mode = %v", info.Mode().Perm())
	}
	if got, err := s.HostToken(); err != nil || got != "tok-2" {
		t.Fatalf("HostToken = %q, %v", got, err)
	}
	if err := s.DeleteHostToken(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HostToken(); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}

	if err := NewStore("ugc-test", "").SetHostToken("x"); err == nil {
		t.Error("stored without keyring or fallback")
	}
}
