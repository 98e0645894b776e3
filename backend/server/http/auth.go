package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const (
	RoleExaminer = "examiner"
	RoleExaminee = "examinee"
	RoleParent   = "parent"
	RoleAdmin    = "admin"
)

var (
	ErrNoToken          = errors.New("authorization token is required")
	ErrBadSigningMethod = errors.New("unexpected signing method")
	ErrForbidden        = errors.New("role is not allowed")
)

type Claims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

type claimsKey struct{}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// NewToken issues HS256 token for user with given role.
func (a *Authenticator) NewToken(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:  userID,
			IssuedAt: now.Unix(),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return s, nil
}

// Claims extracts and validates token from Authorization header or jwt query parameter.
func (a *Authenticator) Claims(r *http.Request) (*Claims, error) {
	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("jwt")
	}
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSigningMethod
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

func (srv *Server) withRoles(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	if srv.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := srv.auth.Claims(r)
		if err != nil {
			srv.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
			srv.writeResponse(w, http.StatusUnauthorized, &GenericResponse{Error: err.Error()})
			return
		}
		if !slices.Contains(roles, claims.Role) {
			srv.writeResponse(w, http.StatusForbidden, &GenericResponse{Error: ErrForbidden.Error()})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

// subject returns authenticated user id if any.
func subject(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey{}).(*Claims); ok {
		return claims.Subject
	}
	return ""
}
