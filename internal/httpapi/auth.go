package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "outreachdesk"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes any `json:"scopes,omitempty"`
}

type principal struct {
	Subject string
	Scopes  map[string]struct{}
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on websocket upgrades, so the events route also accepts it as
// the access_token query parameter.
func bearerToken(r *http.Request, allowQuery bool) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func authorizeBearer(raw, jwtSecret, requiredScope string, now time.Time) (principal, *authError) {
	p, err := parseBearer(raw, jwtSecret, now)
	if err != nil {
		return principal{}, err
	}
	if requiredScope != "" {
		if _, ok := p.Scopes[requiredScope]; !ok {
			return principal{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return p, nil
}

func parseBearer(raw, jwtSecret string, now time.Time) (principal, *authError) {
	if raw == "" {
		return principal{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return principal{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return principal{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return principal{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return principal{Subject: claims.Subject, Scopes: scopes}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid token"
	}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
