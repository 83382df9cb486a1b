package socks5

// Package socks5 provides the small, shared SOCKS5 handshake implementation
// used by valet.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 to
// keep valet-specific policy in one place: username/password verification
// against the credential store, the loopback-only no-auth carve-out, and
// replies that never report the real bound address.
//
// This package is not a full SOCKS5 server/client implementation; it is a
// thin layer around the library primitives. Only the CONNECT command and the
// IPv4/domain address types are supported, which is all the proxy's one
// caller needs.
