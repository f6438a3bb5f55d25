package access

import (
	"errors"
	"fmt"
	"strings"
)

// Role enumerates the capability tiers a project member can hold.
type Role string

const (
	// RoleOwner may edit, delete and invite.
	RoleOwner Role = "owner"
	// RoleCollaborator may edit.
	RoleCollaborator Role = "collaborator"
	// RoleViewer is read-only.
	RoleViewer Role = "viewer"
)

// ErrInvalidRole indicates that a raw role value is not one of the known roles.
var ErrInvalidRole = errors.New("access: invalid role")

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleCollaborator:
		return RoleCollaborator, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the stored role value.
func (role Role) String() string {
	return string(role)
}

type capability uint8

const (
	capabilityEdit capability = 1 << iota
	capabilityDelete
	capabilityInvite
)

var roleCapabilities = map[Role]capability{
	RoleOwner:        capabilityEdit | capabilityDelete | capabilityInvite,
	RoleCollaborator: capabilityEdit,
	RoleViewer:       0,
}

func (role Role) has(required capability) bool {
	granted, ok := roleCapabilities[role]
	if !ok {
		panic(fmt.Sprintf("access: unrecognized role %q", string(role)))
	}
	return granted&required == required
}

// CanEdit reports whether the role may modify project content.
func CanEdit(role Role) bool {
	return role.has(capabilityEdit)
}

// CanDelete reports whether the role may delete the project.
func CanDelete(role Role) bool {
	return role.has(capabilityDelete)
}

// CanInvite reports whether the role may add members to the project.
func CanInvite(role Role) bool {
	return role.has(capabilityInvite)
}
