package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestBackends(t *testing.T, cfg Config) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(cfg, filepath.Join(t.TempDir(), "creds.json"))
	if err != nil {
		t.Fatal(err)
	}

	stores := map[string]Store{
		"memory": NewMemoryStore(cfg),
		"file":   fileStore,
	}
	for _, s := range stores {
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestAddVerifyRemove(t *testing.T) {
	ctx := context.Background()

	for name, s := range newTestBackends(t, Config{}) {
		t.Run(name, func(t *testing.T) {
			if s.Verify(ctx, "alice", "secret") {
				t.Fatal("verify succeeded before add")
			}

			if err := s.Add(ctx, "alice", "secret"); err != nil {
				t.Fatal(err)
			}
			if !s.Verify(ctx, "alice", "secret") {
				t.Fatal("verify failed after add")
			}
			if s.Verify(ctx, "alice", "wrong") {
				t.Fatal("verify accepted wrong secret")
			}
			if s.Verify(ctx, "bob", "secret") {
				t.Fatal("verify accepted wrong identifier")
			}

			removed, err := s.Remove(ctx, "alice", "secret")
			if err != nil {
				t.Fatal(err)
			}
			if !removed {
				t.Fatal("remove did not report an existing record")
			}
			if s.Verify(ctx, "alice", "secret") {
				t.Fatal("verify succeeded after remove")
			}

			removed, err = s.Remove(ctx, "alice", "secret")
			if err != nil {
				t.Fatal(err)
			}
			if removed {
				t.Fatal("second remove reported a record")
			}
		})
	}
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()

	for name, s := range newTestBackends(t, Config{}) {
		t.Run(name, func(t *testing.T) {
			for range 3 {
				if err := s.Add(ctx, "alice", "secret"); err != nil {
					t.Fatal(err)
				}
			}
			if !s.Verify(ctx, "alice", "secret") {
				t.Fatal("verify failed after repeated add")
			}
		})
	}
}

func TestVerifyAllowsReuseByDefault(t *testing.T) {
	ctx := context.Background()

	for name, s := range newTestBackends(t, Config{}) {
		t.Run(name, func(t *testing.T) {
			if err := s.Add(ctx, "alice", "secret"); err != nil {
				t.Fatal(err)
			}
			for i := range 3 {
				if !s.Verify(ctx, "alice", "secret") {
					t.Fatalf("verify %d failed; reuse is allowed by default", i+1)
				}
			}
		})
	}
}

func TestStrictSingleUse(t *testing.T) {
	ctx := context.Background()

	for name, s := range newTestBackends(t, Config{StrictSingleUse: true}) {
		t.Run(name, func(t *testing.T) {
			if err := s.Add(ctx, "alice", "secret"); err != nil {
				t.Fatal(err)
			}
			if !s.Verify(ctx, "alice", "secret") {
				t.Fatal("first verify failed")
			}
			if s.Verify(ctx, "alice", "secret") {
				t.Fatal("second verify succeeded in strict mode")
			}

			// The consumed record still exists until removed or swept.
			removed, err := s.Remove(ctx, "alice", "secret")
			if err != nil {
				t.Fatal(err)
			}
			if !removed {
				t.Fatal("consumed credential was not removable")
			}
		})
	}
}

func TestSweepPurgesOrphans(t *testing.T) {
	ctx := context.Background()
	cfg := Config{TTL: 50 * time.Millisecond, SweepInterval: 25 * time.Millisecond}

	for name, s := range newTestBackends(t, cfg) {
		t.Run(name, func(t *testing.T) {
			if err := s.Add(ctx, "orphan", "secret"); err != nil {
				t.Fatal(err)
			}

			deadline := time.Now().Add(2 * time.Second)
			for s.Verify(ctx, "orphan", "secret") {
				if time.Now().After(deadline) {
					t.Fatal("orphaned credential never purged")
				}
				time.Sleep(10 * time.Millisecond)
			}
		})
	}
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.json")

	writer, err := NewFileStore(Config{}, path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	reader, err := NewFileStore(Config{}, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if err := writer.Add(ctx, "alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if !reader.Verify(ctx, "alice", "secret") {
		t.Fatal("second instance does not see the credential")
	}

	removed, err := reader.Remove(ctx, "alice", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("second instance could not remove the credential")
	}
	if writer.Verify(ctx, "alice", "secret") {
		t.Fatal("first instance still sees the removed credential")
	}
}

func TestFileStoreFailsClosedOnCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.json")

	s, err := NewFileStore(Config{}, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Add(ctx, "alice", "secret"); err != nil {
		t.Fatal(err)
	}

	// Another writer mangles the snapshot out from under us.
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if s.Verify(ctx, "alice", "secret") {
		t.Fatal("verify succeeded against a corrupt snapshot")
	}
	if err := s.Add(ctx, "bob", "secret"); err == nil {
		t.Fatal("add ignored a corrupt snapshot")
	}
	if _, err := s.Remove(ctx, "alice", "secret"); err == nil {
		t.Fatal("remove ignored a corrupt snapshot")
	}
}

func TestNewSchemes(t *testing.T) {
	tests := []struct {
		target  string
		wantErr bool
	}{
		{target: "memory://"},
		{target: "file://" + filepath.Join(t.TempDir(), "creds.json")},
		{target: "creds.json", wantErr: true},
		{target: "postgres://localhost", wantErr: true},
		{target: "file://", wantErr: true},
	}

	for _, tt := range tests {
		s, err := New(Config{}, tt.target)
		if tt.wantErr {
			if err == nil {
				_ = s.Close()
				t.Errorf("New(%q) succeeded, want error", tt.target)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q): %v", tt.target, err)
			continue
		}
		_ = s.Close()
	}
}
