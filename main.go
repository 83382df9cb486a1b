package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/valet-proxy/valet/internal/manager"
	"github.com/valet-proxy/valet/internal/obs"
	"github.com/valet-proxy/valet/internal/proxy"
	"github.com/valet-proxy/valet/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen        = pflag.String("listen", defaultListen(), "SOCKS5 listen address (e.g. 0.0.0.0:3333)")
		advertiseHost = pflag.String("advertise-host", os.Getenv("PROXY_HOST"), "Host external services use to reach the proxy. Empty uses the bound address.")
		storeURL      = pflag.String("store", defaultStoreURL(), "Credential store: memory:// | file:///path/creds.json | redis://[user:pass@]host:port[/db]")

		credTTL    = pflag.Duration("credential-ttl", store.DefaultTTL, "Safety window after which orphaned credentials are purged")
		credSweep  = pflag.Duration("credential-sweep", store.DefaultSweepInterval, "How often to sweep for orphaned credentials")
		strictUse  = pflag.Bool("strict-single-use", false, "Reject a credential on its second authentication")
		inactivity = pflag.Duration("inactivity-window", manager.DefaultInactivityWindow, "Idle time before the listener shuts itself down")
		alwaysOn   = pflag.Bool("always-on", false, "Keep the listener up regardless of inactivity")

		fieldTimeout   = pflag.Duration("handshake-timeout", proxy.DefaultFieldTimeout, "Timeout for each SOCKS5 handshake frame")
		connectTimeout = pflag.Duration("connect-timeout", proxy.DefaultConnectTimeout, "Timeout for outbound DNS lookup and TCP connect")
		idleTimeout    = pflag.Duration("idle-timeout", proxy.DefaultIdleTimeout, "Per-direction relay inactivity timeout")

		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose      = pflag.Bool("verbose", false, "Enable per-connection debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	obs.EnableDebug(*verbose)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	creds, err := store.New(store.Config{
		TTL:             *credTTL,
		SweepInterval:   *credSweep,
		StrictSingleUse: *strictUse,
	}, *storeURL)
	if err != nil {
		return fmt.Errorf("invalid --store: %w", err)
	}
	defer creds.Close()

	// Credential management verbs run against the shared store and exit,
	// leaving any long-running server process untouched.
	if args := pflag.Args(); len(args) > 0 {
		return runCredentialVerb(creds, args)
	}

	mgr := manager.New(manager.Config{
		Addr:             *listen,
		AdvertiseHost:    *advertiseHost,
		InactivityWindow: *inactivity,
		AlwaysOn:         *alwaysOn,
		KeepAlive:        ka,
		Proxy: proxy.Config{
			FieldTimeout:   *fieldTimeout,
			ConnectTimeout: *connectTimeout,
			IdleTimeout:    *idleTimeout,
		},
	}, creds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		go func() {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("debug.serve", obs.Fields{"err": err.Error()})
			}
		}()
		obs.Info("debug.listening", obs.Fields{"addr": *debugListen})
	}

	if err := mgr.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	obs.Info("shutdown.signal", nil)
	mgr.Stop()
	return nil
}

// runCredentialVerb handles `valet add user:pass` and `valet remove
// user:pass`, the out-of-process credential surface used by the CAPTCHA
// solving caller.
func runCredentialVerb(creds store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: valet {add|remove} user:pass")
	}
	identifier, secret, ok := strings.Cut(args[1], ":")
	if !ok || identifier == "" {
		return errors.New("credential must be in user:pass form")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "add":
		if err := creds.Add(ctx, identifier, secret); err != nil {
			return err
		}
		fmt.Printf("added credential for %s\n", identifier)
		return nil
	case "remove":
		removed, err := creds.Remove(ctx, identifier, secret)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("no credential found for %s\n", identifier)
			return nil
		}
		fmt.Printf("removed credential for %s\n", identifier)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected add or remove)", args[0])
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultListen() string {
	port := os.Getenv("SOCKS5_PROXY_PORT")
	if port == "" {
		port = "3333"
	}
	return net.JoinHostPort("0.0.0.0", port)
}

func defaultStoreURL() string {
	if u := os.Getenv("VALET_STORE"); u != "" {
		return u
	}
	return "file:///tmp/valet_socks5_creds.json"
}
