package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrForbidden indicates that the user may not access the project room.
	ErrForbidden = errors.New("access: forbidden")
	// ErrProjectNotFound indicates that the project does not exist.
	ErrProjectNotFound = errors.New("access: project not found")
	// ErrLookupFailed wraps failures of the underlying directory.
	ErrLookupFailed = errors.New("access: lookup failed")

	errMissingDirectory = errors.New("access: directory required")
)

// Membership is the subset of a project membership the gate needs.
type Membership struct {
	ProjectID string
	UserID    string
	Role      Role
}

// Directory resolves project ownership and membership records.
// FindProjectOwner returns ErrProjectNotFound for unknown projects.
// FindMembership reports found=false when the user holds no membership.
type Directory interface {
	FindProjectOwner(ctx context.Context, projectID string) (string, error)
	FindMembership(ctx context.Context, projectID, userID string) (Membership, bool, error)
}

// CanAccessRoom reports whether the user owns the project or holds a membership in it.
func CanAccessRoom(projectOwnerID, userID string, hasMembership bool) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	return userID == projectOwnerID || hasMembership
}

// Gate answers room-access questions against a Directory.
type Gate struct {
	directory Directory
}

// NewGate constructs a Gate.
func NewGate(directory Directory) (*Gate, error) {
	if directory == nil {
		return nil, errMissingDirectory
	}
	return &Gate{directory: directory}, nil
}

// AuthorizeRoom returns nil when the user may join the room or read its history.
func (g *Gate) AuthorizeRoom(ctx context.Context, projectID, userID string) error {
	_, err := g.ResolveRole(ctx, projectID, userID)
	return err
}

// ResolveRole returns the effective role the user holds in the project. The project
// owner resolves to RoleOwner even without a membership row.
func (g *Gate) ResolveRole(ctx context.Context, projectID, userID string) (Role, error) {
	ownerID, err := g.directory.FindProjectOwner(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	membership, found, err := g.directory.FindMembership(ctx, projectID, userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if !CanAccessRoom(ownerID, userID, found) {
		return "", ErrForbidden
	}
	if userID == ownerID {
		return RoleOwner, nil
	}
	return membership.Role, nil
}

// Require resolves the user's role and checks it against the capability predicate.
func (g *Gate) Require(ctx context.Context, projectID, userID string, allowed func(Role) bool) (Role, error) {
	role, err := g.ResolveRole(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	if !allowed(role) {
		return role, ErrForbidden
	}
	return role, nil
}
