package proxy

// Package proxy implements valet's listener-side SOCKS5 server.
//
// It contains the per-connection handshake driver (method selection, RFC1929
// auth against the credential store, CONNECT parsing), the bidirectional
// relay with per-direction idle timeouts and byte accounting, and shared
// connection plumbing such as keepalive listeners and copy buffers.
