package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role selects what a connection may do.
type Role string

const (
	RoleProducer Role = "producer"
	RoleObserver Role = "observer"
)

// Claims represents the claims in the JWT token
type Claims struct {
	jwt.RegisteredClaims
	Role       Role   `json:"role"`
	ProducerID string `json:"producer_id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

var (
	errMissingToken = errors.New("missing token")
	errBadClaims    = errors.New("invalid token claims")
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Authenticator verifies HS256 tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses a token and checks the role claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errBadClaims
	}
	switch claims.Role {
	case RoleObserver:
	case RoleProducer:
		if claims.ProducerID == "" {
			return nil, errBadClaims
		}
	default:
		return nil, errBadClaims
	}
	return claims, nil
}

// tokenFromRequest reads "Authorization: Bearer <token>" or the token query
// parameter, which browsers need for WebSocket handshakes.
func tokenFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return req.URL.Query().Get("token")
}

// IssueToken signs a token for a role. Token issuance belongs to the
// surrounding platform; this exists for tooling and tests.
func IssueToken(secret string, role Role, producerID, channelID string, ttl time.Duration) (string, error) {
	now := time.Now()
	subject := producerID
	if subject == "" {
		subject = string(role)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:       role,
		ProducerID: producerID,
		ChannelID:  channelID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// withRole is middleware that requires a valid token carrying role
func (r *Relay) withRole(role Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims, err := r.auth.Verify(tokenFromRequest(req))
		if err != nil {
			r.metrics.AuthFailures.Inc()
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}
		if claims.Role != role {
			http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
			return
		}
		ctx := context.WithValue(req.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}
