// Package auth attaches a caller principal to each request and guards the
// privileged control path. Two modes: "off" for local development, "hs256"
// for HMAC-signed bearer tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal identifies a caller. Roles decide which surfaces it may touch:
// "agent" submits operations, "operator" decides approvals and manages
// gates and policy documents.
type Principal struct {
	Subject string
	Roles   []string
}

const (
	RoleAgent    = "agent"
	RoleOperator = "operator"
)

type contextKey string

const principalContextKey contextKey = "aeonsage.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func hasRole(p Principal, role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// Middleware resolves the request principal. Mode "off" (or empty) grants an
// anonymous principal with both roles; any other value is treated as hs256.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				anon := Principal{Subject: "anonymous", Roles: []string{RoleAgent, RoleOperator}}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := VerifyHS256Token(token, secret, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			p := Principal{Subject: claims.Sub, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects requests whose principal lacks the role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !hasRole(p, role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InternalTokenOnly guards the control path (kill-switch resume). The token
// is deployment configuration delivered out of band, never issued to agents
// or through the operator token flow; this is what keeps resume authority
// asymmetric from activate authority.
func InternalTokenOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "control path disabled", http.StatusForbidden)
				return
			}
			got := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenClaims is the payload of an hs256 bearer token.
type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

// VerifyHS256Token checks a compact JWS (header.payload.signature) signed
// with HMAC-SHA256 and validates its time window.
func VerifyHS256Token(token, secret string, now time.Time) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	unix := now.Unix()
	if claims.Exp != 0 && unix >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && unix < claims.Nbf {
		return TokenClaims{}, errors.New("token not yet valid")
	}
	return claims, nil
}

// SignHS256Token issues a token, used by gatectl and tests.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(headerB64 + "." + payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return headerB64 + "." + payloadB64 + "." + sigB64, nil
}
