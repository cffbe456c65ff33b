package token

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/patternforge/authcore/common"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// Claims is the signed payload of both access and refresh tokens. TokenType
// distinguishes the two so neither can stand in for the other. Roles is an
// advisory snapshot only; the RBAC engine remains the source of truth.
type Claims struct {
	TokenType string   `json:"typ"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

type signer struct {
	method  SigningMethod
	private []byte
	public  []byte
	issuer  string
	leeway  time.Duration
}

func newSigner(cfg Config) (*signer, error) {
	s := &signer{
		method:  cfg.SigningMethod,
		private: cfg.PrivateKey,
		public:  cfg.PublicKey,
		issuer:  cfg.Issuer,
		leeway:  cfg.Leeway,
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, fmt.Errorf("%w: hs256 requires a key of at least 32 bytes", common.ErrConfiguration)
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported signing method %q", common.ErrConfiguration, cfg.SigningMethod)
	}
	return s, nil
}

func (s *signer) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(s.jwtMethod(), claims)
	key, err := s.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (s *signer) parse(tokenStr, wantType string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.jwtMethod().Alg()}),
	}
	if s.leeway > 0 {
		options = append(options, jwt.WithLeeway(s.leeway))
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.verifyKey()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, common.ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: unexpected token type", common.ErrInvalidToken)
	}
	return claims, nil
}

func (s *signer) jwtMethod() jwt.SigningMethod {
	if s.method == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (s *signer) signKey() (interface{}, error) {
	if s.method == MethodHS256 {
		return s.private, nil
	}
	return parseEdPrivateKey(s.private)
}

func (s *signer) verifyKey() (interface{}, error) {
	if s.method == MethodHS256 {
		return s.private, nil
	}
	return parseEdPublicKey(s.public)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ed25519 private key", common.ErrConfiguration)
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: invalid ed25519 private key type", common.ErrConfiguration)
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ed25519 public key", common.ErrConfiguration)
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: invalid ed25519 public key type", common.ErrConfiguration)
	}
	return edKey, nil
}
