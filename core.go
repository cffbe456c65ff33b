package authcore

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/patternforge/authcore/audit"
	"github.com/patternforge/authcore/auth"
	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/lockout"
	"github.com/patternforge/authcore/metrics"
	"github.com/patternforge/authcore/mfa"
	"github.com/patternforge/authcore/password"
	"github.com/patternforge/authcore/rbac"
	"github.com/patternforge/authcore/secrets"
	"github.com/patternforge/authcore/store"
	"github.com/patternforge/authcore/token"
)

// Deps carries the external collaborators the core builds on. Store and
// Redis are required; the rest default to no-ops.
type Deps struct {
	Store store.Store
	Redis redis.UniversalClient
	// Registry receives the Prometheus collectors. Nil disables metrics.
	Registry prometheus.Registerer
	Logger   *slog.Logger
	// AuditSink overrides the default store-backed sink.
	AuditSink audit.Sink
}

// Core holds the constructed components. All wiring is explicit; nothing is
// resolved at call time.
type Core struct {
	Auth    *auth.Service
	RBAC    *rbac.Engine
	Tokens  *token.Service
	Cipher  *secrets.Cipher
	Lockout *lockout.Tracker
	Metrics *metrics.Metrics
	Auditor *audit.Dispatcher
}

// New builds every component from the configuration and dependency set.
// Construction fails on any misconfiguration; a constructed Core is ready
// for traffic.
func New(cfg Config, deps Deps) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store is required", common.ErrConfiguration)
	}
	if deps.Redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", common.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cipher, err := secrets.New(cfg.Cipher.Keys)
	if err != nil {
		return nil, err
	}
	hasher, err := password.New(cfg.passwordConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}

	var m *metrics.Metrics
	if deps.Registry != nil {
		m = metrics.New(deps.Registry)
	}

	sink := deps.AuditSink
	if sink == nil {
		sink = &audit.StoreSink{Audit: deps.Store.Audit(), Logger: logger}
	}
	auditor := audit.NewDispatcher(audit.Config{BufferSize: cfg.Audit.BufferSize}, sink)

	tokens, err := token.New(cfg.tokenConfig(), deps.Store.RefreshTokens(),
		token.WithLogger(logger), token.WithMetrics(m))
	if err != nil {
		auditor.Close()
		return nil, err
	}

	tracker := lockout.New(deps.Redis, cfg.lockoutConfig())
	engine, err := rbac.New(deps.Store,
		rbac.WithCache(rbac.NewCache(deps.Redis, cfg.Cache.TTL)),
		rbac.WithAudit(auditor),
		rbac.WithLogger(logger),
		rbac.WithMetrics(m))
	if err != nil {
		auditor.Close()
		return nil, err
	}

	authService, err := auth.New(auth.Deps{
		Store:      deps.Store,
		Hasher:     hasher,
		Tokens:     tokens,
		Lockout:    tracker,
		MFA:        mfa.New(cfg.mfaConfig()),
		Cipher:     cipher,
		MFAKeyName: cfg.mfaKeyName(),
		Auditor:    auditor,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		auditor.Close()
		return nil, err
	}

	return &Core{
		Auth:    authService,
		RBAC:    engine,
		Tokens:  tokens,
		Cipher:  cipher,
		Lockout: tracker,
		Metrics: m,
		Auditor: auditor,
	}, nil
}

// Close drains the audit dispatcher. The store and Redis client belong to
// the caller and are not closed here.
func (c *Core) Close() {
	c.Auditor.Close()
}
