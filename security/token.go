package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/autobridge/autobridge/protocol"
)

var (
	// ErrTokenInvalid indicates the token failed signature, structure, or
	// expiry validation.
	ErrTokenInvalid = errors.New("security: invalid token")
	// ErrTokenSubjectMismatch indicates a structurally valid token whose
	// subject names a different client than the presenter.
	ErrTokenSubjectMismatch = errors.New("security: token subject mismatch")
)

// TokenService mints and verifies signed, time-bounded identity tokens. The
// tokens are HS256 JWTs whose subject is the client id and whose "role" claim
// carries the peer's declared role.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService constructs a token service with the shared signing secret
// and token lifetime.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Mint issues a fresh token for clientID with the given role.
func (s *TokenService) Mint(clientID string, role protocol.Role) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  clientID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates signature and expiry and returns the token's subject and
// role claim.
func (s *TokenService) Verify(token string) (clientID string, role protocol.Role, err error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected claims type", ErrTokenInvalid)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	roleStr, _ := claims["role"].(string)
	if roleStr != "" {
		parsed, perr := protocol.ParseRole(roleStr)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, perr)
		}
		role = parsed
	}
	return sub, role, nil
}

// VerifyFor validates the token and requires its subject to equal clientID.
func (s *TokenService) VerifyFor(token, clientID string) error {
	sub, _, err := s.Verify(token)
	if err != nil {
		return err
	}
	if sub != clientID {
		return fmt.Errorf("%w: token issued for %q", ErrTokenSubjectMismatch, sub)
	}
	return nil
}
