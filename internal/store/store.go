package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Credential is a short-lived username/password pair authorizing proxy use.
// Records are keyed by the identifier+secret pair, so two credentials with
// the same identifier but different secrets are distinct.
type Credential struct {
	Identifier string    `json:"identifier"`
	Secret     string    `json:"secret"`
	CreatedAt  time.Time `json:"created_at"`
	Used       bool      `json:"used"`
}

// Store is the registry of active credentials shared between the proxy
// server and short-lived credential-management invocations.
type Store interface {
	// Add inserts a credential with CreatedAt = now. Re-adding the same
	// pair overwrites the existing record (last write wins).
	Add(ctx context.Context, identifier, secret string) error

	// Remove deletes the matching record and reports whether one existed.
	Remove(ctx context.Context, identifier, secret string) (bool, error)

	// Verify reports whether the pair currently authorizes a connection.
	// Backend read errors fail closed: Verify returns false rather than
	// letting an unreadable store admit clients.
	Verify(ctx context.Context, identifier, secret string) bool

	Close() error
}

// Config carries the expiry policy shared by all backends.
type Config struct {
	// TTL is the safety window after which an orphaned credential is
	// purged even if never removed by its creator.
	TTL time.Duration

	// SweepInterval is how often backends without server-side expiry
	// scan for orphaned records.
	SweepInterval time.Duration

	// StrictSingleUse rejects a credential on its second Verify. The
	// default (false) records the used flag without consulting it,
	// matching the behavior the proxy's one caller has always relied on.
	StrictSingleUse bool
}

const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// New parses target and constructs the appropriate credential store.
//
// Supported schemes:
//   - memory://
//   - file:///path/to/credentials.json
//   - redis://[user:pass@]host:port[/db]
func New(cfg Config, target string) (Store, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "memory":
		return NewMemoryStore(cfg), nil
	case "file":
		if u.Path == "" {
			return nil, errors.New("file store: missing path")
		}
		return NewFileStore(cfg, u.Path)
	case "redis", "rediss":
		return NewRedisStore(cfg, target)
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

// key is the storage key for a credential pair, matching the
// identifier:secret form the proxy's caller advertises.
func key(identifier, secret string) string {
	return identifier + ":" + secret
}
