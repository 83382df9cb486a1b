package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections  = promauto.NewGauge(prometheus.GaugeOpts{Name: "valet_active_connections", Help: "Currently open client connections"})
	HandshakeFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "valet_handshake_failures_total", Help: "Failed SOCKS5 handshakes by reason"}, []string{"reason"})
	AuthAttempts       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "valet_auth_attempts_total", Help: "RFC1929 authentication attempts by outcome"}, []string{"outcome"})
	BytesRelayed       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "valet_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ActiveCredentials  = promauto.NewGauge(prometheus.GaugeOpts{Name: "valet_active_credentials", Help: "Credentials currently in the store"})
	ProxyStartsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "valet_proxy_starts_total", Help: "On-demand proxy starts"})
	AutoShutdownsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "valet_auto_shutdowns_total", Help: "Inactivity-driven proxy shutdowns"})
)
