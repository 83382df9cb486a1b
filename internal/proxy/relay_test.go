package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/valet-proxy/valet/internal/socks5"
	"github.com/valet-proxy/valet/internal/testutil"
)

func TestRelayLargePayloadIntact(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	ln := startTestServer(t, Config{
		Creds:       staticChecker{"user": "pass"},
		IdleTimeout: 10 * time.Second,
	})

	client, err := txsocks5.NewClient(ln.Addr().String(), "user", "pass", 10, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := c.Write(payload)
		return err
	})

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("relayed payload corrupted")
	}
}

func TestRelayIdleTimeoutClosesBothSides(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targetClosed := make(chan struct{})
	targetLn, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// Never send anything; wait for the relay to give up on us.
		buf := make([]byte, 1)
		for {
			if _, err := c.Read(buf); err != nil {
				close(targetClosed)
				return
			}
		}
	})
	defer wait()

	ln := startTestServer(t, Config{
		Creds:       staticChecker{},
		IdleTimeout: 200 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := socks5.ClientDial(conn, socks5.Auth{}, targetLn.Addr().String()); err != nil {
		t.Fatal(err)
	}

	// Both directions sit silent, so each read deadline expires and the
	// relay tears the tunnel down.
	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("read succeeded on a torn-down tunnel")
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("tunnel still open well past the idle timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("teardown took %s, want within the idle window", elapsed)
	}

	select {
	case <-targetClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("target socket not closed after idle timeout")
	}
}

func TestRelayClosesTargetWhenClientLeaves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targetClosed := make(chan struct{})
	targetLn, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// Block until the relay closes our side.
		buf := make([]byte, 1)
		for {
			if _, err := c.Read(buf); err != nil {
				close(targetClosed)
				return
			}
		}
	})
	defer wait()

	ln := startTestServer(t, Config{
		Creds:       staticChecker{},
		IdleTimeout: 10 * time.Second,
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	if err := socks5.ClientDial(conn, socks5.Auth{}, targetLn.Addr().String()); err != nil {
		t.Fatal(err)
	}

	_ = conn.Close()

	select {
	case <-targetClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("target socket not closed after client left")
	}
}
