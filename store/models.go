// Package store defines the persisted entities of the authorization core and
// the repository contracts through which they are reached. The relational
// engine behind the contracts is out of scope; implementations live in
// subpackages (memory, postgres).
package store

import (
	"slices"
	"time"
)

// Action enumerates the operations a permission can grant.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionDeploy  Action = "DEPLOY"
	ActionDestroy Action = "DESTROY"
	ActionShare   Action = "SHARE"
	// ActionAdmin implies every action on the permission's resource. On
	// ResourceOrganization it implies every action tenant-wide.
	ActionAdmin Action = "ADMIN"
)

// Resource enumerates the protected resource kinds.
type Resource string

const (
	ResourceDesign       Resource = "DESIGN"
	ResourceTemplate     Resource = "TEMPLATE"
	ResourcePipeline     Resource = "PIPELINE"
	ResourceState        Resource = "STATE"
	ResourceUser         Resource = "USER"
	ResourceRole         Resource = "ROLE"
	ResourceOrganization Resource = "ORGANIZATION"
)

// Actions lists every valid action value.
func Actions() []Action {
	return []Action{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionDeploy, ActionDestroy, ActionShare, ActionAdmin,
	}
}

// Resources lists every valid resource value.
func Resources() []Resource {
	return []Resource{
		ResourceDesign, ResourceTemplate, ResourcePipeline, ResourceState,
		ResourceUser, ResourceRole, ResourceOrganization,
	}
}

// Valid reports whether a is a member of the action enumeration.
func (a Action) Valid() bool { return slices.Contains(Actions(), a) }

// Valid reports whether r is a member of the resource enumeration.
func (r Resource) Valid() bool { return slices.Contains(Resources(), r) }

// Permission grants an action on a resource kind, optionally narrowed to a
// set of resource ids. An empty scope applies tenant-wide.
type Permission struct {
	Action   Action   `json:"action"`
	Resource Resource `json:"resource"`
	Scope    []string `json:"scope,omitempty"`
}

// InScope reports whether the permission applies to the given resource id.
// Unscoped permissions apply to every id.
func (p Permission) InScope(resourceID string) bool {
	if len(p.Scope) == 0 {
		return true
	}
	if resourceID == "" {
		return false
	}
	return slices.Contains(p.Scope, resourceID)
}

// User is an authenticatable principal. Users are deactivated rather than
// deleted so that audit records stay attributable.
type User struct {
	ID           string
	Email        string
	Username     string
	FirstName    string
	LastName     string
	PasswordHash string

	MFAEnabled bool
	// MFASecret holds the TOTP secret encrypted by the secret cipher.
	// It is set (still disabled) during MFA setup and cleared on disable.
	MFASecret string
	// MFALastStep records the last accepted TOTP time step; codes at or
	// below it are rejected to keep codes single-use within the drift window.
	MFALastStep int64

	Active         bool
	LastLoginAt    *time.Time
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization is the tenant boundary for role-based access control.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role carries a named permission set inside one organization. System roles
// are seeded at tenant provisioning and cannot be edited or deleted.
type Role struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	Permissions    []Permission
	IsDefault      bool
	IsSystem       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Membership links a user to exactly one active role inside an organization.
type Membership struct {
	UserID         string
	OrganizationID string
	RoleID         string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RefreshToken is the server-side record that makes a refresh token
// revocable. Only a digest of the token string is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuditEvent is an append-only record of a security-relevant operation.
type AuditEvent struct {
	ID             string
	ActorID        string
	Action         string
	Resource       string
	ResourceID     string
	OrganizationID string
	Origin         string
	Success        bool
	Detail         string
	OccurredAt     time.Time
}
