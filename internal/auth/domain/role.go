package domain

import (
	"errors"
	"strings"
)

// Role is the closed set of subject roles.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleService
	RoleAdmin
)

var ErrUnknownRole = errors.New("unknown role")

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleService:
		return "service"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}

// IsExempt reports whether r bypasses account lockout. Administrative
// accounts are never locked by failed attempts.
func (r Role) IsExempt() bool {
	return r == RoleAdmin
}

// ParseRole maps the stored or claimed name of a role back to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "service":
		return RoleService, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, ErrUnknownRole
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrUnknownRole
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
