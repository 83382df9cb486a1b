package dialer

// Package dialer provides the outbound dialing implementation used by the
// valet SOCKS5 server to reach CONNECT targets.
//
// Dialers implement a small interface (DialContext) so the server can be
// tested against injected failures and bounded timeouts without touching
// real networks.
