package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims are the JWT claims the push server cares about.
type sessionClaims struct {
	Role    string `json:"role"`
	Blocked bool   `json:"blocked,omitempty"`
	jwt.RegisteredClaims
}

// authenticate validates the session token carried on the upgrade
// request (Authorization header, "token" query parameter, or session
// cookie). The error strings here are a contract: the client
// classifies connection failures by them.
func (s *Server) authenticate(r *http.Request) (userID string, status int, err error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", http.StatusUnauthorized, fmt.Errorf("missing token")
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return "", http.StatusUnauthorized, fmt.Errorf("token expired")
		}
		return "", http.StatusUnauthorized, fmt.Errorf("invalid token")
	}
	if claims.Blocked {
		return "", http.StatusForbidden, fmt.Errorf("account blocked")
	}
	if claims.Subject == "" {
		return "", http.StatusUnauthorized, fmt.Errorf("invalid token")
	}
	return claims.Subject, 0, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}
