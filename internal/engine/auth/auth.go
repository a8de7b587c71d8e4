package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"refeed/internal/errs"
)

// ForbiddenError indicates the caller may not perform an action on a resource.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("not allowed to %s", e.Action)
	}
	return fmt.Sprintf("not allowed to %s: %s", e.Action, e.Reason)
}

func (e ForbiddenError) Unwrap() error { return errs.ErrForbidden }

// Caller identifies who performs an operation.
type Caller struct {
	UserID   string
	UserType string
}

// RequireType fails with ForbiddenError unless the caller has one of the given user types.
func (c Caller) RequireType(action string, types ...string) error {
	for _, t := range types {
		if c.UserType == t {
			return nil
		}
	}
	return ForbiddenError{Action: action, Reason: fmt.Sprintf("requires user type %s", strings.Join(types, " or "))}
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < 6 {
		return "", fmt.Errorf("%w: password must be at least 6 characters", errs.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Claims are the JWT claims issued at login.
type Claims struct {
	jwt.RegisteredClaims
	UserType string `json:"role"`
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for the user.
func (t Tokens) Issue(userID, userType string) (string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "refeed",
		},
		UserType: userType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Secret))
}

// Parse verifies a token and returns the caller it identifies.
func (t Tokens) Parse(token string) (Caller, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return Caller{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Caller{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Caller{}, fmt.Errorf("%w: subject claim required", errs.ErrUnauthorized)
	}
	return Caller{UserID: claims.Subject, UserType: claims.UserType}, nil
}
