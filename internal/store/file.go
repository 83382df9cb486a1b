package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/valet-proxy/valet/internal/obs"
)

// fileStore persists credentials as a JSON snapshot so that the proxy
// process and short-lived add/remove invocations observe the same state.
// Every mutation rewrites the whole file via write-temp-and-rename while
// holding an flock on a sidecar lock file, so concurrent writers serialize
// instead of clobbering each other's read-modify-write.
type fileStore struct {
	cfg  Config
	path string

	done chan struct{}
}

func NewFileStore(cfg Config, path string) (Store, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}

	s := &fileStore{cfg: cfg, path: path, done: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

func (s *fileStore) Add(_ context.Context, identifier, secret string) error {
	return s.mutate(func(creds map[string]Credential) bool {
		if _, ok := creds[key(identifier, secret)]; !ok {
			obs.ActiveCredentials.Inc()
		}
		creds[key(identifier, secret)] = Credential{
			Identifier: identifier,
			Secret:     secret,
			CreatedAt:  time.Now(),
		}
		return true
	})
}

func (s *fileStore) Remove(_ context.Context, identifier, secret string) (bool, error) {
	removed := false
	err := s.mutate(func(creds map[string]Credential) bool {
		if _, ok := creds[key(identifier, secret)]; !ok {
			return false
		}
		delete(creds, key(identifier, secret))
		obs.ActiveCredentials.Dec()
		removed = true
		return true
	})
	return removed, err
}

func (s *fileStore) Verify(_ context.Context, identifier, secret string) bool {
	ok := false
	err := s.mutate(func(creds map[string]Credential) bool {
		cred, present := creds[key(identifier, secret)]
		if !present {
			return false
		}
		if s.cfg.StrictSingleUse && cred.Used {
			return false
		}
		ok = true
		if cred.Used {
			return false
		}
		cred.Used = true
		creds[key(identifier, secret)] = cred
		return true
	})
	if err != nil {
		// Fail closed: an unreadable store rejects everyone.
		obs.Error("store.verify", obs.Fields{"err": err.Error(), "path": s.path})
		return false
	}
	return ok
}

func (s *fileStore) Close() error {
	close(s.done)
	return nil
}

func (s *fileStore) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep purges credentials older than the safety TTL regardless of use,
// reclaiming records orphaned by a caller that crashed before Remove.
func (s *fileStore) sweep() {
	purged := 0
	err := s.mutate(func(creds map[string]Credential) bool {
		cutoff := time.Now().Add(-s.cfg.TTL)
		for k, cred := range creds {
			if cred.CreatedAt.Before(cutoff) {
				delete(creds, k)
				obs.ActiveCredentials.Dec()
				purged++
			}
		}
		return purged > 0
	})
	if err != nil {
		obs.Error("store.sweep", obs.Fields{"err": err.Error(), "path": s.path})
		return
	}
	if purged > 0 {
		obs.Info("store.sweep", obs.Fields{"purged": purged})
	}
}

// mutate loads the snapshot, applies fn, and rewrites the file if fn
// reports a change, all under an exclusive flock.
func (s *fileStore) mutate(fn func(map[string]Credential) bool) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	if !fn(creds) {
		return nil
	}
	return s.save(creds)
}

func (s *fileStore) lock() (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *fileStore) load() (map[string]Credential, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	creds := map[string]Credential{}
	if len(b) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return creds, nil
}

func (s *fileStore) save(creds map[string]Credential) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
