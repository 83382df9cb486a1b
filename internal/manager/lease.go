package manager

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/valet-proxy/valet/internal/obs"
)

// Lease is a freshly minted single-use credential registered in the store
// for the duration of one CAPTCHA API call.
type Lease struct {
	Identifier string
	Secret     string

	m *Manager
}

const (
	leasePrefix     = "temp_"
	leaseTokenLen   = 16
	lowerAlnumChars = "abcdefghijklmnopqrstuvwxyz0123456789"
	alnumChars      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Lease ensures the proxy is up, registers a random credential, and returns
// a handle the caller advertises to the external API. The caller must call
// Release when the API call completes, success or failure.
func (m *Manager) Lease(ctx context.Context) (*Lease, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}

	l := &Lease{
		Identifier: leasePrefix + randomString(leaseTokenLen, lowerAlnumChars),
		Secret:     randomString(leaseTokenLen, alnumChars),
		m:          m,
	}
	if err := m.creds.Add(ctx, l.Identifier, l.Secret); err != nil {
		return nil, fmt.Errorf("add credential: %w", err)
	}
	obs.Info("lease.created", obs.Fields{"user": l.Identifier})
	return l, nil
}

// Advertise formats the credentialed proxy endpoint as user:pass@host:port
// for handing to the external service.
func (l *Lease) Advertise() string {
	host := l.m.cfg.AdvertiseHost
	addr := l.m.Addr()

	var port string
	if addr != nil {
		h, p, err := net.SplitHostPort(addr.String())
		if err == nil {
			port = p
			if host == "" {
				host = h
			}
		}
	}
	return fmt.Sprintf("%s:%s@%s", l.Identifier, l.Secret, net.JoinHostPort(host, port))
}

// Release removes the credential so it cannot be reused, and extends the
// proxy session for a possible follow-up request.
func (l *Lease) Release(ctx context.Context) {
	removed, err := l.m.creds.Remove(ctx, l.Identifier, l.Secret)
	if err != nil {
		obs.Warn("lease.release", obs.Fields{"user": l.Identifier, "err": err.Error()})
	} else if !removed {
		obs.Debug("lease.already_gone", obs.Fields{"user": l.Identifier})
	} else {
		obs.Info("lease.released", obs.Fields{"user": l.Identifier})
	}
	l.m.ExtendSession()
}

func randomString(n int, alphabet string) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
