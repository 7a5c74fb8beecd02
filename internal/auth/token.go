package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is applied when Issue is called without an explicit ttl.
const DefaultTokenTTL = 30 * time.Minute

// Claims is the claim set carried by a bearer token.
type Claims map[string]any

// Subject returns the "sub" claim verbatim, or "" when absent or not a string.
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// TokenCodec issues and decodes HMAC-signed JWTs. It holds no mutable state
// and is safe for concurrent use.
type TokenCodec struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures TokenCodec.
type CodecOption func(*TokenCodec) error

// WithAlgorithm selects HS256, HS384 or HS512.
func WithAlgorithm(alg string) CodecOption {
	return func(c *TokenCodec) error {
		alg = strings.TrimSpace(strings.ToUpper(alg))
		if alg == "" {
			return nil
		}
		method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
		if !ok {
			return fmt.Errorf("%w: unsupported token algorithm %q", ErrInvalidInput, alg)
		}
		c.method = method
		return nil
	}
}

// WithDefaultTTL overrides DefaultTokenTTL.
func WithDefaultTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) error {
		if ttl > 0 {
			c.ttl = ttl
		}
		return nil
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewTokenCodec constructs a codec signing with secret.
func NewTokenCodec(secret string, opts ...CodecOption) (*TokenCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: token secret is required", ErrInvalidInput)
	}
	c := &TokenCodec{
		secret: []byte(secret),
		method: jwt.SigningMethodHS256,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Algorithm returns the signing algorithm identifier.
func (c *TokenCodec) Algorithm() string { return c.method.Alg() }

// Issue signs claims with an expiry of now+ttl. A zero ttl selects the
// codec default; a negative ttl yields a token that is already expired.
func (c *TokenCodec) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := c.now().UTC()
	exp := now.Add(ttl)

	mc := make(jwt.MapClaims, len(claims)+3)
	for k, v := range claims {
		mc[k] = v
	}
	if _, ok := mc["iat"]; !ok {
		mc["iat"] = now.Unix()
	}
	if _, ok := mc["jti"]; !ok {
		mc["jti"] = uuid.NewString()
	}
	mc["exp"] = exp.Unix()

	signed, err := jwt.NewWithClaims(c.method, mc).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Decode verifies the signature and returns the claims. Expiry is checked
// here against the codec clock rather than by the JWT library: a token is
// valid iff its signature verifies and exp >= now.
func (c *TokenCodec) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	mc := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: exp claim missing", ErrInvalidToken)
	}
	if c.now().Unix() > exp.Unix() {
		return nil, ErrTokenExpired
	}
	return Claims(mc), nil
}

// IsTokenError reports whether err is an expected token failure rather than
// an infrastructure error.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired)
}
