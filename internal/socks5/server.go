package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/valet-proxy/valet/internal/obs"
)

// CredentialChecker verifies an identifier/secret pair during RFC1929
// subnegotiation. Satisfied by store.Store.
type CredentialChecker interface {
	Verify(ctx context.Context, identifier, secret string) bool
}

var (
	// ErrNoAcceptableMethods is returned after replying 0xFF to a client
	// whose offered methods cannot be accepted from its source address.
	ErrNoAcceptableMethods = errors.New("no acceptable methods")

	// ErrAuthFailed is returned after replying failure to an RFC1929
	// exchange whose credentials are not in the store.
	ErrAuthFailed = errors.New("authentication failed")
)

// ServerNegotiate performs method selection and, when required, the RFC1929
// username/password subnegotiation.
//
// A client offering username/password must complete it. A client offering
// only no-auth is admitted only from a loopback source; any other source
// gets 0xFF and an ErrNoAcceptableMethods. Each frame read is bounded by
// fieldTimeout.
func ServerNegotiate(ctx context.Context, conn net.Conn, check CredentialChecker, fieldTimeout time.Duration) error {
	setReadDeadline(conn, fieldTimeout)
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if containsMethod(neg.Methods, txsocks5.MethodUsernamePassword) {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		setReadDeadline(conn, fieldTimeout)
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if !check.Verify(ctx, string(urq.Uname), string(urq.Passwd)) {
			obs.AuthAttempts.WithLabelValues("failure").Inc()
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return ErrAuthFailed
		}
		obs.AuthAttempts.WithLabelValues("success").Inc()
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if containsMethod(neg.Methods, txsocks5.MethodNone) {
		if !isLoopback(conn.RemoteAddr()) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("%w: no-auth from non-loopback %s", ErrNoAcceptableMethods, conn.RemoteAddr())
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return nil
	}

	writeNoAcceptableMethods(conn)
	return ErrNoAcceptableMethods
}

// ServerReadRequest reads the client's command request, bounded by
// fieldTimeout. It does not validate the command or address type; the
// caller maps those to the appropriate reply codes.
func ServerReadRequest(conn net.Conn, fieldTimeout time.Duration) (*txsocks5.Request, error) {
	setReadDeadline(conn, fieldTimeout)
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func setReadDeadline(conn net.Conn, timeout time.Duration) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
}
