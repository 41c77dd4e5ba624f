package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "gigverify/pkg/domain-errors"
	"gigverify/pkg/platform/httputil"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the verifier identity extracted from a token
type JWTClaims struct {
	VerifierID   string
	VerifierName string
	TokenID      string
}

type contextKeyVerifier struct{}

var ContextKeyVerifier = contextKeyVerifier{}

// GetVerifier returns the authenticated verifier claims, or nil.
func GetVerifier(ctx context.Context) *JWTClaims {
	claims, ok := ctx.Value(ContextKeyVerifier).(*JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithVerifier injects verifier claims into a context. Used by tests that
// bypass RequireVerifier.
func WithVerifier(ctx context.Context, claims *JWTClaims) context.Context {
	return context.WithValue(ctx, ContextKeyVerifier, claims)
}

// RequireVerifier rejects requests without a valid bearer token and stores
// the verifier claims in the request context.
func RequireVerifier(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithVerifier(ctx, claims)))
		})
	}
}
