// Package token issues, verifies, and rotates signed access/refresh token
// pairs. Access tokens are short-lived and stateless; refresh tokens are
// recorded server-side so they can be revoked, and rotate on every use.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/ids"
	"github.com/patternforge/authcore/metrics"
	"github.com/patternforge/authcore/store"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Config holds token service parameters.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	// PrivateKey is the HS256 secret or the Ed25519 private key (raw or PEM).
	PrivateKey []byte
	// PublicKey is required for Ed25519 only.
	PublicKey []byte
	Issuer    string
	Leeway    time.Duration
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service mints and redeems token pairs. Safe for concurrent use.
type Service struct {
	config  Config
	signer  *signer
	tokens  store.RefreshTokenStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	// roleSnapshot, when set, embeds an advisory role list into access tokens.
	roleSnapshot func(ctx context.Context, userID string) []string
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRoleSnapshot embeds the returned role names into access tokens as an
// advisory fast-path hint. Authorization decisions still go through the
// RBAC engine.
func WithRoleSnapshot(fn func(ctx context.Context, userID string) []string) Option {
	return func(s *Service) { s.roleSnapshot = fn }
}

// New validates the configuration and returns a Service.
func New(cfg Config, tokens store.RefreshTokenStore, opts ...Option) (*Service, error) {
	if tokens == nil {
		return nil, fmt.Errorf("%w: refresh token store is required", common.ErrConfiguration)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	sgn, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		config: cfg,
		signer: sgn,
		tokens: tokens,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssuePair mints a fresh access/refresh pair for the principal and persists
// the refresh record.
func (s *Service) IssuePair(ctx context.Context, userID string) (*Pair, error) {
	now := s.now()

	var roles []string
	if s.roleSnapshot != nil {
		roles = s.roleSnapshot(ctx, userID)
	}

	accessExp := now.Add(s.config.AccessTTL)
	access, err := s.signer.sign(Claims{
		TokenType: typeAccess,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        ids.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			Issuer:    s.config.Issuer,
		},
	})
	if err != nil {
		return nil, err
	}

	recordID := ids.New()
	refreshExp := now.Add(s.config.RefreshTTL)
	refresh, err := s.signer.sign(Claims{
		TokenType: typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        recordID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			Issuer:    s.config.Issuer,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Create(ctx, &store.RefreshToken{
		ID:        recordID,
		UserID:    userID,
		TokenHash: digest(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess validates an access token's signature and claims and returns
// them. Refresh tokens are rejected here.
func (s *Service) VerifyAccess(tokenStr string) (*Claims, error) {
	return s.signer.parse(tokenStr, typeAccess)
}

// Refresh redeems a refresh token for a new pair. The presented record is
// revoked before the replacement is created and the revocation is
// conditional at the store, so each refresh token is usable at most once
// even under concurrent redemption. Replay of an already-rotated token, and
// losing the redemption race, are both treated as theft: every outstanding
// token for the principal is revoked.
//
// Revoke-then-create is not one transaction. If minting the replacement
// fails after the revocation lands, the presented token is already dead and
// the caller must authenticate again; the window fails closed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := s.signer.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}

	record, err := s.tokens.Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(digest(refreshToken))) != 1 {
		return nil, common.ErrInvalidToken
	}
	if record.Revoked {
		return nil, s.replayDetected(ctx, record.UserID)
	}
	now := s.now()
	if now.After(record.ExpiresAt) {
		return nil, common.ErrInvalidToken
	}

	// The conditional revoke is the single-winner gate: of any number of
	// concurrent redemptions of the same token, exactly one marks the record
	// revoked. The losers see a conflict, which is indistinguishable from
	// replay of an already-rotated token and gets the same treatment.
	if err := s.tokens.Revoke(ctx, record.ID); err != nil {
		switch {
		case errors.Is(err, common.ErrConflict):
			return nil, s.replayDetected(ctx, record.UserID)
		case errors.Is(err, common.ErrNotFound):
			return nil, common.ErrInvalidToken
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	pair, err := s.IssuePair(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	s.metrics.TokenRotation()

	// Opportunistic cleanup; failure never affects the caller.
	if err := s.tokens.PruneExpired(ctx, record.UserID, now); err != nil {
		s.logger.Warn("refresh token pruning failed", "user_id", record.UserID, "error", err)
	}

	return pair, nil
}

// replayDetected handles presentation of a token whose record is (or just
// became) revoked: the whole family goes down with it.
func (s *Service) replayDetected(ctx context.Context, userID string) error {
	s.metrics.TokenReuseDetected()
	s.logger.Warn("refresh token replay detected, revoking token family",
		"user_id", userID)
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		s.logger.Error("token family revocation failed", "user_id", userID, "error", err)
	}
	return common.ErrInvalidToken
}

// Revoke invalidates a single refresh token belonging to the principal.
// Revoking an already-revoked token is a no-op.
func (s *Service) Revoke(ctx context.Context, userID, refreshToken string) error {
	claims, err := s.signer.parse(refreshToken, typeRefresh)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return common.ErrInvalidToken
	}
	record, err := s.tokens.Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrInvalidToken
		}
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if record.UserID != userID {
		return common.ErrInvalidToken
	}
	if err := s.tokens.Revoke(ctx, record.ID); err != nil && !errors.Is(err, common.ErrConflict) {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return nil
}

// RevokeAll invalidates every outstanding refresh token for the principal.
// Used on logout-everywhere and password change.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
