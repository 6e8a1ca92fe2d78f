package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/utils"
)

type contextKey string

const UserContextKey contextKey = "user"

var (
	ErrMissingToken      = errors.New("missing token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrWrongOrganization = errors.New("token belongs to another organization")
)

type UserClaims struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// Authenticator validates viewer tokens for one organization.
type Authenticator struct {
	secret         []byte
	organizationID string
	log            zerolog.Logger
}

func NewAuthenticator(secret, organizationID string, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret:         []byte(secret),
		organizationID: organizationID,
		log:            log.With().Str("component", "auth").Logger(),
	}
}

// ParseToken checks signature, expiry and organization of tokenString.
func (a *Authenticator) ParseToken(tokenString string) (UserClaims, error) {
	if tokenString == "" {
		return UserClaims{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return UserClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return UserClaims{}, ErrInvalidToken
	}

	user := UserClaims{
		UserID:         stringClaim(claims, "user_id"),
		Email:          stringClaim(claims, "email"),
		Role:           stringClaim(claims, "role"),
		OrganizationID: stringClaim(claims, "organization_id"),
	}
	if user.UserID == "" {
		return UserClaims{}, fmt.Errorf("%w: user_id claim missing", ErrInvalidToken)
	}
	if user.OrganizationID != a.organizationID {
		return user, ErrWrongOrganization
	}
	return user, nil
}

// Middleware validates the bearer token and adds user claims to context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r.Header.Get("Authorization"))
		if err == nil {
			var user UserClaims
			user, err = a.ParseToken(tokenString)
			if err == nil {
				ctx := context.WithValue(r.Context(), UserContextKey, user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		status := StatusFor(err)
		a.log.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("❌ request rejected")
		utils.RespondError(w, status, http.StatusText(status))
	})
}

// StatusFor maps an authentication error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, ErrWrongOrganization) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) (UserClaims, bool) {
	userClaims, ok := r.Context().Value(UserContextKey).(UserClaims)
	return userClaims, ok
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return parts[1], nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
