package proxy

import (
	"context"
	"errors"
	"net"

	"github.com/valet-proxy/valet/internal/obs"
	"github.com/valet-proxy/valet/internal/socks5"
)

type Server struct {
	cfg  Config
	pool *bufferPool
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg:  cfg.withDefaults(),
		pool: newBufferPool(copyBufferSize),
	}
}

// Serve accepts connections on ln until it is closed, handling each client
// in its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	obs.ActiveConnections.Inc()
	defer obs.ActiveConnections.Dec()

	clientAddr := conn.RemoteAddr().String()
	obs.Debug("conn.accepted", obs.Fields{"client": clientAddr})

	if err := socks5.ServerNegotiate(context.Background(), conn, s.cfg.Creds, s.cfg.FieldTimeout); err != nil {
		switch {
		case errors.Is(err, socks5.ErrAuthFailed):
			obs.HandshakeFailures.WithLabelValues("auth").Inc()
			obs.Warn("conn.auth_failed", obs.Fields{"client": clientAddr})
		case errors.Is(err, socks5.ErrNoAcceptableMethods):
			obs.HandshakeFailures.WithLabelValues("method").Inc()
			obs.Warn("conn.no_acceptable_methods", obs.Fields{"client": clientAddr})
		default:
			// Malformed or timed-out frames are routine from internet
			// scanners; close without ceremony.
			obs.HandshakeFailures.WithLabelValues("malformed").Inc()
			obs.Debug("conn.handshake_error", obs.Fields{"client": clientAddr, "err": err.Error()})
		}
		return
	}

	req, err := socks5.ServerReadRequest(conn, s.cfg.FieldTimeout)
	if err != nil {
		obs.HandshakeFailures.WithLabelValues("malformed").Inc()
		obs.Debug("conn.request_error", obs.Fields{"client": clientAddr, "err": err.Error()})
		return
	}

	if req.Cmd != socks5.CmdConnect {
		obs.HandshakeFailures.WithLabelValues("command").Inc()
		socks5.WriteCommandNotSupportedReply(conn)
		return
	}

	// IPv6 and anything else unknown is refused before any outbound
	// connect is attempted.
	if req.Atyp != socks5.ATYPIPv4 && req.Atyp != socks5.ATYPDomain {
		obs.HandshakeFailures.WithLabelValues("addrtype").Inc()
		socks5.WriteAddrTypeNotSupportedReply(conn)
		return
	}

	target := req.Address()
	obs.Info("conn.connect", obs.Fields{"client": clientAddr, "target": target})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		obs.HandshakeFailures.WithLabelValues("connect").Inc()
		obs.Warn("conn.connect_failed", obs.Fields{"client": clientAddr, "target": target, "err": err.Error()})
		socks5.WriteGeneralFailureReply(conn)
		return
	}
	defer up.Close()

	if err := socks5.WriteSuccessReply(conn); err != nil {
		return
	}

	s.relay(conn, up, clientAddr, target)
}
