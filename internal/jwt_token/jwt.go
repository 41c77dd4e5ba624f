package jwttoken

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "gigverify/pkg/domain-errors"
)

// Claims are the verifier identity claims carried by bearer tokens.
type Claims struct {
	VerifierID   string `json:"verifier_id"`
	VerifierName string `json:"verifier_name"`
	jwt.RegisteredClaims
}

// Service issues and validates HS256 verifier tokens.
type Service struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewService(signingKey string, issuer string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
}

// IssueVerifierToken signs a token identifying the verifier for expiresIn.
func (s *Service) IssueVerifierToken(verifierID, verifierName string, expiresIn time.Duration) (string, error) {
	if strings.TrimSpace(verifierID) == "" {
		return "", dErrors.New(dErrors.CodeValidation, "verifier id is required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		VerifierID:   verifierID,
		VerifierName: verifierName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   verifierID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return signed, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.VerifierID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token carries no verifier identity")
	}
	return claims, nil
}
