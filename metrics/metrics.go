// Package metrics exposes Prometheus counters for the authorization core.
// Every method is nil-safe so components can treat metrics as optional.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics aggregates the core's counters.
type Metrics struct {
	loginSuccess    prometheus.Counter
	loginFailure    prometheus.Counter
	loginLockout    prometheus.Counter
	tokenRotations  prometheus.Counter
	tokenReuse      prometheus.Counter
	checksAllowed   prometheus.Counter
	checksDenied    prometheus.Counter
	permCacheHits   prometheus.Counter
	permCacheMisses prometheus.Counter
}

// New registers the core's collectors with reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_login_success_total",
			Help: "Successful logins.",
		}),
		loginFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_login_failure_total",
			Help: "Failed logins (bad password or MFA code).",
		}),
		loginLockout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_login_lockout_total",
			Help: "Logins rejected by brute-force lockout.",
		}),
		tokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_refresh_rotations_total",
			Help: "Refresh tokens rotated on use.",
		}),
		tokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_refresh_reuse_detected_total",
			Help: "Replays of already-rotated refresh tokens.",
		}),
		checksAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_permission_checks_allowed_total",
			Help: "Permission checks that returned allow.",
		}),
		checksDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_permission_checks_denied_total",
			Help: "Permission checks that returned deny.",
		}),
		permCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_permission_cache_hits_total",
			Help: "Permission resolutions served from cache.",
		}),
		permCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_permission_cache_misses_total",
			Help: "Permission resolutions that fell through to the store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.loginSuccess, m.loginFailure, m.loginLockout,
			m.tokenRotations, m.tokenReuse,
			m.checksAllowed, m.checksDenied,
			m.permCacheHits, m.permCacheMisses,
		)
	}
	return m
}

func (m *Metrics) LoginSuccess() {
	if m != nil {
		m.loginSuccess.Inc()
	}
}

func (m *Metrics) LoginFailure() {
	if m != nil {
		m.loginFailure.Inc()
	}
}

func (m *Metrics) LoginLockout() {
	if m != nil {
		m.loginLockout.Inc()
	}
}

func (m *Metrics) TokenRotation() {
	if m != nil {
		m.tokenRotations.Inc()
	}
}

func (m *Metrics) TokenReuseDetected() {
	if m != nil {
		m.tokenReuse.Inc()
	}
}

func (m *Metrics) CheckAllowed() {
	if m != nil {
		m.checksAllowed.Inc()
	}
}

func (m *Metrics) CheckDenied() {
	if m != nil {
		m.checksDenied.Inc()
	}
}

func (m *Metrics) PermCacheHit() {
	if m != nil {
		m.permCacheHits.Inc()
	}
}

func (m *Metrics) PermCacheMiss() {
	if m != nil {
		m.permCacheMisses.Inc()
	}
}
