package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenManager creates and validates JWT tokens for users and agents.
type TokenManager struct {
	secret     []byte
	alg        jwa.SignatureAlgorithm
	expiration time.Duration
}

// NewTokenManager builds a TokenManager. Supported algorithms are HS256,
// HS384, and HS512.
func NewTokenManager(secret, algorithm string, expirationHours int) (*TokenManager, error) {
	var alg jwa.SignatureAlgorithm
	switch algorithm {
	case "HS256":
		alg = jwa.HS256
	case "HS384":
		alg = jwa.HS384
	case "HS512":
		alg = jwa.HS512
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}

	return &TokenManager{
		secret:     []byte(secret),
		alg:        alg,
		expiration: time.Duration(expirationHours) * time.Hour,
	}, nil
}

// CreateToken issues a signed token for the subject with optional extra
// claims. A zero expiration uses the configured default.
func (m *TokenManager) CreateToken(subject string, claims map[string]interface{}, expiration time.Duration) (string, error) {
	if expiration == 0 {
		expiration = m.expiration
	}

	jti, err := GenerateEventID()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	builder := jwt.NewBuilder().
		Subject(subject).
		JwtID(jti).
		IssuedAt(now).
		Expiration(now.Add(expiration))

	for k, v := range claims {
		builder = builder.Claim(k, v)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(m.alg, m.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// CreateAgentToken issues a token identifying an autonomous agent and its
// capabilities.
func (m *TokenManager) CreateAgentToken(agentID string, capabilities []string) (string, error) {
	return m.CreateToken(agentID, map[string]interface{}{
		"type":         "agent",
		"capabilities": capabilities,
	}, 0)
}

// VerifyToken parses and validates a signed token, checking signature and
// expiry.
func (m *TokenManager) VerifyToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(m.alg, m.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return token, nil
}
