package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tezmarket/api/internal/platform/config"
	"github.com/tezmarket/api/internal/platform/httpx"
)

const (
	defaultRoleClaim   = "roles"
	defaultVendorClaim = "vendor_id"
	bearerPrefix       = "bearer "
)

// Authenticator verifies bearer tokens issued by the identity service and
// attaches the resulting Identity to the request context.
type Authenticator struct {
	secret      []byte
	issuer      string
	audience    string
	roleClaim   string
	vendorClaim string
}

// Option customises the Authenticator.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim carrying the caller's roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if trimmed := strings.TrimSpace(claim); trimmed != "" {
			a.roleClaim = trimmed
		}
	}
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig, opts ...Option) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	a := &Authenticator{
		secret:      []byte(secret),
		issuer:      strings.TrimSpace(cfg.Issuer),
		audience:    strings.TrimSpace(cfg.Audience),
		roleClaim:   defaultRoleClaim,
		vendorClaim: defaultVendorClaim,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// RequireAuth verifies the Authorization bearer token and, when allowedRoles
// is non-empty, ensures the caller holds at least one of them.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if normalised := normaliseRole(role); normalised != "" {
			allowed[normalised] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, err := a.verify(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}

			if len(allowed) > 0 {
				permitted := false
				for _, role := range identity.Roles {
					if _, ok := allowed[normaliseRole(role)]; ok {
						permitted = true
						break
					}
				}
				if !permitted {
					httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient role", http.StatusForbidden))
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) verify(r *http.Request) (*Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(strings.ToLower(header), bearerPrefix) {
		return nil, errors.New("auth: missing bearer token")
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return nil, errors.New("auth: empty bearer token")
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}

	uid, _ := claims["sub"].(string)
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, errors.New("auth: token missing subject")
	}

	identity := &Identity{UID: uid}
	if vendor, ok := claims[a.vendorClaim].(string); ok {
		identity.VendorID = strings.TrimSpace(vendor)
	}
	identity.Roles = rolesFromClaim(claims[a.roleClaim])
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleUser}
	}
	return identity, nil
}

func rolesFromClaim(value any) []string {
	switch v := value.(type) {
	case string:
		if normalised := normaliseRole(v); normalised != "" {
			return []string{normalised}
		}
	case []any:
		roles := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if normalised := normaliseRole(s); normalised != "" {
					roles = append(roles, normalised)
				}
			}
		}
		return roles
	case []string:
		roles := make([]string, 0, len(v))
		for _, entry := range v {
			if normalised := normaliseRole(entry); normalised != "" {
				roles = append(roles, normalised)
			}
		}
		return roles
	}
	return nil
}
