// ABOUTME: Signs and verifies session tokens (HMAC JWTs carrying a Payload)
// ABOUTME: Secret, algorithm and expiry are fixed at construction

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/comcenter/internal/connector"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// DefaultAlgorithm is used when Config.Algorithm is empty.
const DefaultAlgorithm = "HS256"

// Config is the process-wide token configuration.
type Config struct {
	Secret    []byte
	Algorithm string
	ExpiresIn time.Duration
}

// claims is the JWT body: the payload as private claims plus iat/exp.
type claims struct {
	Networks    []string            `json:"networks"`
	Connections []*connector.Handle `json:"connections"`
	jwt.RegisteredClaims
}

// Codec issues and verifies session tokens.
type Codec struct {
	secret    []byte
	method    jwt.SigningMethod
	expiresIn time.Duration
	now       func() time.Time
}

// Option customizes a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec validates cfg and returns a Codec bound to it.
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if cfg.ExpiresIn <= 0 {
		return nil, fmt.Errorf("token expiry must be positive, got %s", cfg.ExpiresIn)
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported token algorithm %q (want HS256, HS384 or HS512)", alg)
	}

	c := &Codec{
		secret:    append([]byte(nil), cfg.Secret...),
		method:    method,
		expiresIn: cfg.ExpiresIn,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Algorithm returns the configured signing algorithm identifier.
func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// Issue signs p into a token that expires after the configured duration.
func (c *Codec) Issue(p *Payload) (string, error) {
	if len(p.Networks) != len(p.Connections) {
		return "", fmt.Errorf("payload has %d networks but %d connections", len(p.Networks), len(p.Connections))
	}

	now := c.now()
	body := claims{
		Networks:    nonNil(p.Networks),
		Connections: nonNil(p.Connections),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(c.method, body)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm and expiry of tokenString and
// returns its payload.
func (c *Codec) Verify(tokenString string) (*Payload, error) {
	var body claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	token, err := parser.ParseWithClaims(tokenString, &body, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrExpiredToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if len(body.Networks) != len(body.Connections) {
		return nil, fmt.Errorf("%w: payload sequences differ in length", ErrInvalidToken)
	}

	return &Payload{
		Networks:    nonNil(body.Networks),
		Connections: nonNil(body.Connections),
	}, nil
}

// DecodeUnverified extracts the payload without checking the signature or
// expiry. The result is only usable for reclaiming connections.
func (c *Codec) DecodeUnverified(tokenString string) (*Unverified, error) {
	var body claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Unverified{
		networks:    body.Networks,
		connections: body.Connections,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
