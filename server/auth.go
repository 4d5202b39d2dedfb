package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"campaign-notifier/pkg/notifier"
)

// callerID validates the bearer token and returns its subject.
func (s *Server) callerID(r *http.Request) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", notifier.ErrUnauthenticated
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", notifier.ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.Join(notifier.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", notifier.ErrUnauthenticated
	}
	return claims.Subject, nil
}

// maxJobTokenFailures bounds wrong job tokens per address per window.
const maxJobTokenFailures = 5

// checkJobToken writes an error response and returns false unless the request
// carries the job token. Addresses with too many recent failures are refused
// before the token is compared.
func (s *Server) checkJobToken(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if s.tokenFailures.blocked(ip) {
		s.logger.Warn("Job token attempts exhausted", "path", r.URL.Path, "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "resource-exhausted", "Too many failed attempts")
		return false
	}
	if !s.jobAuthorized(r) {
		s.tokenFailures.allow(ip)
		s.logger.Warn("Rejected job request", "path", r.URL.Path, "ip", ip)
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid job token")
		return false
	}
	return true
}

// jobAuthorized checks the shared job token. An unset token disables the check.
func (s *Server) jobAuthorized(r *http.Request) bool {
	if s.jobToken == "" {
		return true
	}
	got := r.Header.Get("X-Job-Token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.jobToken)) == 1
}
