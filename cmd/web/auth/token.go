package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
)

// Reasons reported to clients on a 401.
const (
	ReasonNoToken      = "no token"
	ReasonInvalidToken = "invalid token"
	ReasonExpiredToken = "expired token"
	ReasonUserNotFound = "user not found"
)

// Error is an authentication failure with a client-facing reason.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 bearer tokens whose subject is a
// user id.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (tm *TokenManager) Issue(userID pgtype.UUID) (string, error) {
	if !userID.Valid {
		return "", errors.New("issue token: empty user id")
	}
	now := tm.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   db.UUIDString(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Verify parses a token and returns the user id in its subject.
func (tm *TokenManager) Verify(token string) (pgtype.UUID, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(tm.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return pgtype.UUID{}, &Error{Reason: ReasonExpiredToken, Err: err}
		}
		return pgtype.UUID{}, &Error{Reason: ReasonInvalidToken, Err: err}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return pgtype.UUID{}, &Error{Reason: ReasonInvalidToken}
	}
	id, err := db.ParseUUID(claims.Subject)
	if err != nil {
		return pgtype.UUID{}, &Error{Reason: ReasonInvalidToken, Err: fmt.Errorf("subject: %w", err)}
	}
	return id, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", &Error{Reason: ReasonNoToken}
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", &Error{Reason: ReasonInvalidToken, Err: errors.New("malformed authorization header")}
	}
	return strings.TrimSpace(token), nil
}
