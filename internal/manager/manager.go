// Package manager controls whether the SOCKS5 listener is currently
// running: on-demand start, inactivity-based auto-shutdown, and the scoped
// session helper callers use around CAPTCHA API requests.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/valet-proxy/valet/internal/obs"
	"github.com/valet-proxy/valet/internal/proxy"
	"github.com/valet-proxy/valet/internal/store"
)

// State is the lifecycle state of the managed listener. Transitions happen
// only inside Start and Stop.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	DefaultStartTimeout     = 10 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultInactivityWindow = 5 * time.Minute
)

type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:3333".
	Addr string

	// AdvertiseHost is the host external CAPTCHA services connect to.
	// Empty means the host portion of the bound address.
	AdvertiseHost string

	// StartTimeout bounds how long Start waits for the listener to come
	// up (or for a previous instance to finish stopping).
	StartTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the serve goroutine.
	StopTimeout time.Duration

	// InactivityWindow is how long the listener survives without a
	// Start or ExtendSession call before shutting itself down.
	InactivityWindow time.Duration

	// AlwaysOn disables the inactivity timer entirely.
	AlwaysOn bool

	KeepAlive net.KeepAliveConfig

	// Proxy configures the SOCKS5 server; its Creds field is overridden
	// with the manager's store.
	Proxy proxy.Config
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.InactivityWindow <= 0 {
		c.InactivityWindow = DefaultInactivityWindow
	}
	return c
}

// Manager owns one listener and its inactivity timer. All methods are safe
// to call from any goroutine.
type Manager struct {
	cfg   Config
	srv   *proxy.Server
	creds store.Store

	// mu guards state, ln, done, and the cancel-and-rearm of timer.
	mu    sync.Mutex
	state State
	ln    net.Listener
	done  chan struct{}
	timer *time.Timer

	// timerGen increments on every rearm. A timer that fired before a
	// rearm but acquired mu after it carries a stale generation and must
	// not shut the listener down.
	timerGen uint64
}

func New(cfg Config, creds store.Store) *Manager {
	cfg = cfg.withDefaults()
	pcfg := cfg.Proxy
	pcfg.Creds = creds
	pcfg.KeepAlive = cfg.KeepAlive
	return &Manager{
		cfg:   cfg,
		srv:   proxy.NewServer(pcfg),
		creds: creds,
	}
}

// Start brings the listener up if it is not already running and rearms the
// inactivity timer. It is idempotent: concurrent calls yield one listener
// and all report success.
func (m *Manager) Start() error {
	for {
		m.mu.Lock()
		switch m.state {
		case Running:
			m.rearmLocked()
			m.mu.Unlock()
			obs.Debug("proxy.already_running", obs.Fields{"addr": m.cfg.Addr})
			return nil
		case Starting, Stopping:
			done := m.done
			m.mu.Unlock()
			select {
			case <-done:
				// Let the stopping goroutine finish its bookkeeping
				// before rechecking state.
				time.Sleep(10 * time.Millisecond)
			case <-time.After(m.cfg.StartTimeout):
				return fmt.Errorf("proxy start: previous instance still stopping after %s", m.cfg.StartTimeout)
			}
			continue
		case Stopped:
		}

		// Lock held, state Stopped.
		m.state = Starting
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
		ln, err := proxy.ListenTCP(ctx, "tcp", m.cfg.Addr, m.cfg.KeepAlive)
		cancel()
		if err != nil {
			m.state = Stopped
			m.mu.Unlock()
			return fmt.Errorf("proxy start: %w", err)
		}

		m.ln = ln
		m.done = make(chan struct{})
		m.state = Running
		go m.serve(ln, m.done)
		m.rearmLocked()
		m.mu.Unlock()

		obs.ProxyStartsTotal.Inc()
		obs.Info("proxy.started", obs.Fields{"addr": ln.Addr().String()})
		return nil
	}
}

// Stop cancels the inactivity timer, closes the listener, and waits
// (bounded) for the serve goroutine. Calling Stop when stopped is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	m.cancelTimerLocked()
	ln, done := m.ln, m.done
	m.ln = nil
	m.mu.Unlock()

	_ = ln.Close()
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		obs.Warn("proxy.stop_timeout", obs.Fields{"timeout": m.cfg.StopTimeout.String()})
	}

	m.mu.Lock()
	m.state = Stopped
	m.mu.Unlock()
	obs.Info("proxy.stopped", obs.Fields{"addr": m.cfg.Addr})
}

// ExtendSession rearms the inactivity timer without restarting anything.
// Callers expecting another request shortly use it to amortize startup.
func (m *Manager) ExtendSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return
	}
	m.rearmLocked()
	obs.Debug("proxy.session_extended", nil)
}

// WithSession runs fn with the proxy guaranteed up, and extends the session
// on every exit path so the listener is never torn down mid-use and stays
// warm for a quick follow-up.
func (m *Manager) WithSession(fn func() error) error {
	if err := m.Start(); err != nil {
		return err
	}
	defer m.ExtendSession()
	return fn()
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsRunning() bool {
	return m.State() == Running
}

// Addr returns the bound listener address, or nil when not running. Useful
// when the configured address uses port 0.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *Manager) serve(ln net.Listener, done chan struct{}) {
	defer close(done)

	err := m.srv.Serve(ln)

	m.mu.Lock()
	interrupted := m.state != Stopping
	if interrupted {
		// Listener died without Stop being called.
		m.state = Stopped
		m.cancelTimerLocked()
		m.ln = nil
	}
	m.mu.Unlock()

	if interrupted && err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Error("proxy.serve", obs.Fields{"err": err.Error()})
	}
}

// rearmLocked cancels any pending inactivity timer and schedules a new one.
// Caller holds mu; at most one timer is pending per manager.
func (m *Manager) rearmLocked() {
	if m.cfg.AlwaysOn {
		return
	}
	m.cancelTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(m.cfg.InactivityWindow, func() { m.autoShutdown(gen) })
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) autoShutdown(gen uint64) {
	m.mu.Lock()
	stale := gen != m.timerGen || m.state != Running
	m.mu.Unlock()
	if stale {
		// An extend or stop won the race after this timer fired.
		return
	}

	obs.Info("proxy.auto_shutdown", obs.Fields{"idle": m.cfg.InactivityWindow.String()})
	obs.AutoShutdownsTotal.Inc()
	m.Stop()
}
