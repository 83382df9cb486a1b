package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valet-proxy/valet/internal/obs"
)

const (
	copyBufferSize = 32 * 1024

	// Transfer logging is throttled to one summary per interval, except
	// that a single large read is reported immediately. Keeps log volume
	// bounded under sustained bursty CAPTCHA-API traffic.
	relayLogInterval   = 5 * time.Second
	largeReadThreshold = 10 * 1024
)

// relay copies bytes in both directions until each side is done. Every
// direction has its own idle timeout and byte counter. When one direction
// sees EOF or times out, the paired socket's write end is closed, which ends
// the other direction; both sockets are closed unconditionally on return.
func (s *Server) relay(client, target net.Conn, clientAddr, targetAddr string) {
	var upBytes, downBytes atomic.Int64

	var logMu sync.Mutex
	lastLog := time.Now()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	defer closeBoth()

	logProgress := func(n int) {
		now := time.Now()
		logMu.Lock()
		if n <= largeReadThreshold && now.Sub(lastLog) < relayLogInterval {
			logMu.Unlock()
			return
		}
		lastLog = now
		logMu.Unlock()

		up, down := upBytes.Load(), downBytes.Load()
		obs.Info("relay.active", obs.Fields{
			"client": clientAddr,
			"target": targetAddr,
			"up":     up,
			"down":   down,
			"total":  up + down,
		})
	}

	forward := func(src, dst net.Conn, count *atomic.Int64, direction string) {
		buf := s.pool.Get()
		defer s.pool.Put(buf)

		for {
			_ = src.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			n, err := src.Read(buf)
			if n > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
				count.Add(int64(n))
				obs.BytesRelayed.WithLabelValues(direction).Add(float64(n))
				logProgress(n)
			}
			if err != nil {
				break
			}
		}

		closeWrite(dst)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		forward(client, target, &upBytes, "client_to_target")
		return nil
	})
	g.Go(func() error {
		forward(target, client, &downBytes, "target_to_client")
		return nil
	})
	_ = g.Wait()

	up, down := upBytes.Load(), downBytes.Load()
	f := obs.Fields{
		"client": clientAddr,
		"target": targetAddr,
		"up":     up,
		"down":   down,
		"total":  up + down,
	}
	if up+down > 0 {
		obs.Info("relay.complete", f)
	} else {
		obs.Debug("relay.complete", f)
	}
}

// closeWrite half-closes a TCP connection so the peer direction drains and
// terminates; connections without half-close support are closed outright.
func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
