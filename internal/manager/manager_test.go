package manager

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/valet-proxy/valet/internal/store"
	"github.com/valet-proxy/valet/internal/testutil"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 2 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	m := New(cfg, store.NewMemoryStore(store.Config{}))
	t.Cleanup(m.Stop)
	return m
}

func TestStartIsIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	addr := m.Addr()
	if addr == nil {
		t.Fatal("no listener address after start")
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if got := m.Addr(); got.String() != addr.String() {
		t.Fatalf("second start moved the listener: %s != %s", got, addr)
	}
}

func TestConcurrentStartsYieldOneListener(t *testing.T) {
	m := newTestManager(t, Config{})

	g := errgroup.Group{}
	for range 8 {
		g.Go(m.Start)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if m.State() != Running {
		t.Fatalf("state = %s, want running", m.State())
	}

	c, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
}

func TestStopIsNoOpWhenStopped(t *testing.T) {
	m := newTestManager(t, Config{})

	m.Stop()
	m.Stop()
	if m.State() != Stopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
}

func TestStartFailsWhenAddressTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	m := newTestManager(t, Config{Addr: ln.Addr().String()})
	if err := m.Start(); err == nil {
		t.Fatal("start succeeded on an occupied address")
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s after failed start, want stopped", m.State())
	}
}

func TestAutoShutdownAfterInactivity(t *testing.T) {
	m := newTestManager(t, Config{InactivityWindow: 100 * time.Millisecond})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	waitForState(t, m, Stopped, 2*time.Second)
}

func TestStaleShutdownTimerIsIgnored(t *testing.T) {
	m := newTestManager(t, Config{InactivityWindow: time.Hour})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	gen := m.timerGen
	m.mu.Unlock()

	// A timer can fire and then lose the mutex to an extend; its shutdown
	// callback then runs against a rearmed manager and must back off.
	m.ExtendSession()
	m.autoShutdown(gen)

	if m.State() != Running {
		t.Fatal("outdated shutdown timer stopped the listener")
	}
}

func TestExtendSessionPreventsShutdown(t *testing.T) {
	m := newTestManager(t, Config{InactivityWindow: 300 * time.Millisecond})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	for range 4 {
		time.Sleep(150 * time.Millisecond)
		if m.State() != Running {
			t.Fatal("shut down despite session extensions")
		}
		m.ExtendSession()
	}

	waitForState(t, m, Stopped, 2*time.Second)
}

func TestAlwaysOnDisablesAutoShutdown(t *testing.T) {
	m := newTestManager(t, Config{InactivityWindow: 50 * time.Millisecond, AlwaysOn: true})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if m.State() != Running {
		t.Fatalf("state = %s, want running", m.State())
	}
}

func TestWithSessionExtendsOnError(t *testing.T) {
	m := newTestManager(t, Config{InactivityWindow: time.Minute})

	wantErr := errors.New("api call failed")
	if err := m.WithSession(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	// The session survives a failed unit of work.
	if m.State() != Running {
		t.Fatalf("state = %s, want running", m.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Running {
		t.Fatalf("state = %s, want running", m.State())
	}
}

func TestLeaseEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	m := newTestManager(t, Config{InactivityWindow: time.Minute})

	lease, err := m.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}

	uri := lease.Advertise()
	if !strings.Contains(uri, lease.Identifier+":"+lease.Secret+"@") {
		t.Fatalf("advertise %q missing credentials", uri)
	}

	client, err := txsocks5.NewClient(m.Addr().String(), lease.Identifier, lease.Secret, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("solve this"))
	_ = c.Close()

	lease.Release(ctx)

	// The released credential no longer authenticates.
	client, err = txsocks5.NewClient(m.Addr().String(), lease.Identifier, lease.Secret, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := client.Dial("tcp", echoLn.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("released credential still authenticates")
	}
}

func waitForState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
