// Package middleware provides HTTP middleware for the lottery API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

// UserIDHeader carries the caller identity when an upstream gateway has
// already authenticated the request.
const UserIDHeader = "X-User-ID"

type ctxKey string

const identityKey ctxKey = "identity"

// WithIdentity stores the authenticated caller identity in ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// Identity returns the caller identity, or "" for anonymous requests.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// Claims are the JWT claims accepted by the API. The subject is the
// participant identity.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates callers with HS256 bearer tokens.
type AuthMiddleware struct {
	secret []byte
	issuer string
	log    *logger.Logger
}

// NewAuthMiddleware creates the middleware. With an empty secret it trusts
// the X-User-ID header instead, for deployments behind an authenticating
// gateway.
func NewAuthMiddleware(secret []byte, issuer string, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{secret: secret, issuer: issuer, log: log}
}

// Handler rejects requests without a valid identity.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authenticate(r)
		if err != nil {
			m.log.WithError(err).
				WithField("path", r.URL.Path).
				WithField("method", r.Method).
				Debug("authentication failed")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (string, error) {
	if len(m.secret) == 0 {
		identity := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if identity == "" {
			return "", errors.New("missing " + UserIDHeader + " header")
		}
		return identity, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid Authorization header format")
	}
	claims, err := m.validateToken(parts[1])
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IssueToken signs a token for identity valid for ttl.
func IssueToken(secret []byte, issuer, identity string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
