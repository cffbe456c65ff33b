// Package auth implements registration, login with optional TOTP, session
// lifecycle, and credential management on top of the credential store, the
// lockout tracker, and the token service.
//
// Authentication failures are deliberately indistinguishable: a missing
// account, a wrong password, and a wrong MFA code all surface as
// common.ErrInvalidCredentials.
package auth

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/patternforge/authcore/audit"
	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/lockout"
	"github.com/patternforge/authcore/metrics"
	"github.com/patternforge/authcore/mfa"
	"github.com/patternforge/authcore/password"
	"github.com/patternforge/authcore/secrets"
	"github.com/patternforge/authcore/store"
	"github.com/patternforge/authcore/token"
)

// Origin identifies where a login attempt came from. The address participates
// in lockout counting so one origin cannot spray many accounts.
type Origin struct {
	Address   string
	UserAgent string
}

// Principal is the sanitized account view handed back to callers. Secret
// material (the password hash, the encrypted TOTP secret) stays inside the
// store and never travels through a Result.
type Principal struct {
	ID          string
	Email       string
	Username    string
	FirstName   string
	LastName    string
	MFAEnabled  bool
	Active      bool
	LastLoginAt *time.Time
	CreatedAt   time.Time
}

func principalOf(u *store.User) *Principal {
	return &Principal{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		MFAEnabled:  u.MFAEnabled,
		Active:      u.Active,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// Result is the outcome of a successful register or login call. When
// MFARequired is set the password was accepted but no tokens were issued;
// the caller must repeat the login with a TOTP code.
type Result struct {
	User        *Principal
	Tokens      *token.Pair
	MFARequired bool
}

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Email     string
	Username  string
	FirstName string
	LastName  string
	Password  string
}

// Deps enumerates the collaborators the Service needs. All are required
// except Auditor and Metrics.
type Deps struct {
	Store   store.Store
	Hasher  *password.Hasher
	Tokens  *token.Service
	Lockout *lockout.Tracker
	MFA     *mfa.Engine
	Cipher  *secrets.Cipher
	// MFAKeyName selects the cipher key for TOTP secrets. Defaults to the
	// cipher's default key.
	MFAKeyName string
	Auditor    *audit.Dispatcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Service is the authentication facade. Safe for concurrent use.
type Service struct {
	store   store.Store
	hasher  *password.Hasher
	tokens  *token.Service
	lockout *lockout.Tracker
	mfa     *mfa.Engine
	cipher  *secrets.Cipher
	mfaKey  string
	auditor *audit.Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New validates the dependency set and returns a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store is required", common.ErrConfiguration)
	case deps.Hasher == nil:
		return nil, fmt.Errorf("%w: password hasher is required", common.ErrConfiguration)
	case deps.Tokens == nil:
		return nil, fmt.Errorf("%w: token service is required", common.ErrConfiguration)
	case deps.Lockout == nil:
		return nil, fmt.Errorf("%w: lockout tracker is required", common.ErrConfiguration)
	case deps.MFA == nil:
		return nil, fmt.Errorf("%w: mfa engine is required", common.ErrConfiguration)
	case deps.Cipher == nil:
		return nil, fmt.Errorf("%w: secret cipher is required", common.ErrConfiguration)
	}
	if deps.MFAKeyName == "" {
		deps.MFAKeyName = secrets.DefaultKey
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:   deps.Store,
		hasher:  deps.Hasher,
		tokens:  deps.Tokens,
		lockout: deps.Lockout,
		mfa:     deps.MFA,
		cipher:  deps.Cipher,
		mfaKey:  deps.MFAKeyName,
		auditor: deps.Auditor,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Lockout identifiers are namespaced so an email can never collide with an
// origin address.
func emailKey(email string) string { return "email:" + email }
func originKey(o Origin) string {
	if o.Address == "" {
		return ""
	}
	return "origin:" + o.Address
}

func (s *Service) record(event *store.AuditEvent) {
	s.auditor.Record(event)
}
