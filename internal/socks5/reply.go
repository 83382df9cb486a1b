package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Command and address type values re-exported for callers.
const (
	CmdConnect = txsocks5.CmdConnect

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6
)

// WriteSuccessReply writes a SOCKS5 success reply. The bound address is
// always reported as 0.0.0.0:0 so clients never learn internal bind details.
func WriteSuccessReply(conn net.Conn) error {
	if _, err := newZeroAddrReply(txsocks5.RepSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteGeneralFailureReply maps an unreachable target or connect timeout to
// the general SOCKS server failure code.
func WriteGeneralFailureReply(conn net.Conn) {
	_, _ = newZeroAddrReply(txsocks5.RepServerFailure).WriteTo(conn)
}

// WriteCommandNotSupportedReply rejects any command other than CONNECT.
func WriteCommandNotSupportedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported).WriteTo(conn)
}

// WriteAddrTypeNotSupportedReply rejects address types other than IPv4 and
// domain, notably IPv6.
func WriteAddrTypeNotSupportedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(txsocks5.RepAddressNotSupported).WriteTo(conn)
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
