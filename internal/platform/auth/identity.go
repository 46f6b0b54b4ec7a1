package auth

import (
	"context"
	"strings"

	"github.com/tezmarket/api/internal/domain"
)

// Role constants used throughout the API when checking authorisation boundaries.
const (
	RoleUser        = string(domain.RoleUser)
	RoleVendorAdmin = string(domain.RoleVendorAdmin)
	RoleRider       = string(domain.RoleRider)
	RoleSuperAdmin  = string(domain.RoleSuperAdmin)
)

type contextKey string

const identityContextKey contextKey = "github.com/tezmarket/api/internal/platform/auth/identity"

// Identity describes the authenticated caller.
type Identity struct {
	UID      string
	VendorID string
	Roles    []string
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// DomainRoles converts the identity's roles into domain role values.
func (i *Identity) DomainRoles() []domain.Role {
	if i == nil {
		return nil
	}
	roles := make([]domain.Role, 0, len(i.Roles))
	for _, r := range i.Roles {
		if normalised := normaliseRole(r); normalised != "" {
			roles = append(roles, domain.Role(normalised))
		}
	}
	return roles
}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity from context when present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
