package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/me/evalflow/pkg/model"
)

const ctxKeyWorkerClaims ctxKey = "worker_claims"

// Claims identify the run a worker token was issued for.
type Claims struct {
	RunID string `json:"run_id"`
	jwt.RegisteredClaims
}

// TokenService issues and validates the HS256 tokens workers present to the
// dispatch API. Each run gets a fresh random secret.
type TokenService struct {
	runID  string
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service for runID with a random secret.
// A zero ttl issues tokens that never expire.
func NewTokenService(runID string, ttl time.Duration) (*TokenService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return &TokenService{runID: runID, secret: secret, ttl: ttl}, nil
}

// GenerateToken returns a token for worker.
func (s *TokenService) GenerateToken(worker string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RunID: s.runID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   worker,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if s.ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and checks it belongs to this run.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("malformed token: %w", err)
		case errors.Is(err, jwt.ErrSignatureInvalid), errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("invalid token signature: %w", err)
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.RunID != s.runID {
		return nil, fmt.Errorf("token issued for run %q", claims.RunID)
	}
	return claims, nil
}

// ClaimsFromContext extracts the authenticated worker claims.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(ctxKeyWorkerClaims).(*Claims); ok {
		return c
	}
	return nil
}

// workerAuthMiddleware requires a valid "Authorization: Bearer" worker token.
// A nil service disables authentication.
func workerAuthMiddleware(tokens *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				next.ServeHTTP(w, r)
				return
			}
			reqID := RequestIDFromContext(r.Context())

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "worker authentication required (Bearer token missing)",
				})
				return
			}
			claims, err := tokens.ValidateToken(raw)
			if err != nil {
				logger.Warn("invalid worker token", "error", err)
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid worker token",
				})
				return
			}
			setWorker(r.Context(), claims.Subject)
			ctx := context.WithValue(r.Context(), ctxKeyWorkerClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
