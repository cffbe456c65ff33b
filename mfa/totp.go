// Package mfa generates and verifies time-based one-time passwords for the
// second authentication factor.
package mfa

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	defaultPeriod     uint = 30
	defaultSkew       uint = 2
	defaultSecretSize uint = 20
)

// Config tunes TOTP parameters. Zero values select the RFC 6238 defaults
// used by common authenticator apps: 30-second step, SHA-1, 6 digits,
// plus-or-minus two steps of clock-drift tolerance.
type Config struct {
	Issuer string
	Period uint
	Skew   uint
	// Now overrides the clock for deterministic tests.
	Now func() time.Time
}

// Engine produces enrollment secrets and checks submitted codes. Stored
// secrets must be encrypted by the secret cipher before persistence; the
// engine only ever sees plaintext base32 secrets.
type Engine struct {
	issuer string
	period uint
	skew   uint
	now    func() time.Time
}

// New returns an Engine with defaults applied.
func New(cfg Config) *Engine {
	if cfg.Issuer == "" {
		cfg.Issuer = "authcore"
	}
	if cfg.Period == 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Skew == 0 {
		cfg.Skew = defaultSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		issuer: cfg.Issuer,
		period: cfg.Period,
		skew:   cfg.Skew,
		now:    cfg.Now,
	}
}

// GenerateSecret mints a cryptographically random secret for the account
// label and returns it with the otpauth:// provisioning URI that
// authenticator apps consume.
func (e *Engine) GenerateSecret(account string) (secret string, provisioningURI string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		Period:      e.period,
		SecretSize:  defaultSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Verify checks a submitted code against the secret at the current time.
// On success it also returns the time step the code matched, so callers can
// reject replays of an already-used code within the drift window.
func (e *Engine) Verify(secret, code string) (ok bool, step int64, err error) {
	return e.VerifyAt(secret, code, e.now())
}

// VerifyAt is Verify with an explicit evaluation time.
//
// The underlying library validates a whole skew window at once, which hides
// the matched step; probing each offset with zero skew keeps the comparison
// constant-time per candidate and recovers the step.
func (e *Engine) VerifyAt(secret, code string, at time.Time) (bool, int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, 0, nil
	}
	opts := totp.ValidateOpts{
		Period:    e.period,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
	base := at.Unix() / int64(e.period)
	for offset := -int64(e.skew); offset <= int64(e.skew); offset++ {
		candidate := base + offset
		if candidate < 0 {
			continue
		}
		probe := time.Unix(candidate*int64(e.period), 0)
		ok, err := totp.ValidateCustom(code, secret, probe, opts)
		if err != nil {
			return false, 0, err
		}
		if ok {
			return true, candidate, nil
		}
	}
	return false, 0, nil
}
