package domain

import "strings"

// Role is the caller's marketplace role, resolved by the identity layer.
type Role string

const (
	RolePlantationOwner Role = "PLANTATION_OWNER"
	RoleIndustry        Role = "INDUSTRY"
	RoleAdmin           Role = "ADMIN"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RolePlantationOwner, RoleIndustry, RoleAdmin:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
