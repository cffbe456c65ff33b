package authcore

import (
	"fmt"
	"time"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/lockout"
	"github.com/patternforge/authcore/mfa"
	"github.com/patternforge/authcore/password"
	"github.com/patternforge/authcore/secrets"
	"github.com/patternforge/authcore/token"
)

// Config assembles the settings of every component. Instances are configured
// once at startup and treated as immutable afterwards. Validate runs as part
// of New; misconfiguration is fatal at construction, never per-request.
type Config struct {
	Token    TokenConfig
	Password PasswordConfig
	Lockout  LockoutConfig
	MFA      MFAConfig
	Cipher   CipherConfig
	Cache    CacheConfig
	Audit    AuditConfig
}

// TokenConfig mirrors the token service parameters.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// PasswordConfig tunes the Argon2id hasher. Zero selects the defaults.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
}

// LockoutConfig tunes the brute-force tracker.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
}

// MFAConfig tunes TOTP verification.
type MFAConfig struct {
	Issuer string
	Period uint
	Skew   uint
}

// CipherConfig names the symmetric keys for at-rest secrets. Every key must
// be exactly 32 bytes. MFAKeyName selects the key used for TOTP secrets and
// defaults to the cipher's default key.
type CipherConfig struct {
	Keys       map[string][]byte
	MFAKeyName string
}

// CacheConfig tunes the permission cache.
type CacheConfig struct {
	TTL time.Duration
}

// AuditConfig tunes the audit dispatcher.
type AuditConfig struct {
	BufferSize int
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if len(c.Token.PrivateKey) == 0 {
		return fmt.Errorf("%w: token signing key is required", common.ErrConfiguration)
	}
	if len(c.Cipher.Keys) == 0 {
		return fmt.Errorf("%w: at least one cipher key is required", common.ErrConfiguration)
	}
	if c.Cipher.MFAKeyName != "" {
		if _, ok := c.Cipher.Keys[c.Cipher.MFAKeyName]; !ok {
			return fmt.Errorf("%w: mfa key %q is not in the cipher key set", common.ErrConfiguration, c.Cipher.MFAKeyName)
		}
	}
	return nil
}

func (c *Config) tokenConfig() token.Config {
	method := token.SigningMethod(c.Token.SigningMethod)
	if c.Token.SigningMethod == "" {
		method = token.MethodHS256
	}
	return token.Config{
		AccessTTL:     c.Token.AccessTTL,
		RefreshTTL:    c.Token.RefreshTTL,
		SigningMethod: method,
		PrivateKey:    c.Token.PrivateKey,
		PublicKey:     c.Token.PublicKey,
		Issuer:        c.Token.Issuer,
		Leeway:        c.Token.Leeway,
	}
}

func (c *Config) passwordConfig() password.Config {
	cfg := password.DefaultConfig()
	if c.Password.Memory > 0 {
		cfg.Memory = c.Password.Memory
	}
	if c.Password.Time > 0 {
		cfg.Time = c.Password.Time
	}
	if c.Password.Parallelism > 0 {
		cfg.Parallelism = c.Password.Parallelism
	}
	return cfg
}

func (c *Config) lockoutConfig() lockout.Config {
	return lockout.Config{
		Threshold: c.Lockout.Threshold,
		Window:    c.Lockout.Window,
	}
}

func (c *Config) mfaConfig() mfa.Config {
	return mfa.Config{
		Issuer: c.MFA.Issuer,
		Period: c.MFA.Period,
		Skew:   c.MFA.Skew,
	}
}

func (c *Config) mfaKeyName() string {
	if c.Cipher.MFAKeyName != "" {
		return c.Cipher.MFAKeyName
	}
	return secrets.DefaultKey
}
