package creds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutResolveForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	if _, err := s.Resolve("h1"); err == nil {
		t.Error("expected error resolving unknown host")
	}

	if err := s.Put("h1", Credential{User: "root", Password: "hunter2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	c, err := s.Resolve("h1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.User != "root" || c.Password != "hunter2" {
		t.Errorf("resolved = %+v", c)
	}

	if err := s.Forget("h1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := s.Resolve("h1"); err == nil {
		t.Error("credential survived forget")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.Put("h1", Credential{User: "admin", Password: "secret"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	c, err := s2.Resolve("h1")
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if c.Password != "secret" {
		t.Errorf("password = %q, want secret", c.Password)
	}
}

func TestFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.Put("h1", Credential{User: "root", Password: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("store file mode = %o, want 0600", perm)
	}
}

func TestInMemoryStore(t *testing.T) {
	s, err := NewStore("")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.Put("h1", Credential{User: "root"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Resolve("h1"); err != nil {
		t.Errorf("resolve: %v", err)
	}
}
