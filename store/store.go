package store

import (
	"context"
	"time"
)

// Store is the credential-store facade. Implementations must honor row-level
// uniqueness on (email), (username), and (organization, role name), and must
// apply multi-row writes such as role-plus-permissions atomically.
//
// Implementations return common.ErrNotFound for missing rows and
// common.ErrConflict for uniqueness violations.
type Store interface {
	Users() UserStore
	Organizations() OrganizationStore
	Roles() RoleStore
	Memberships() MembershipStore
	RefreshTokens() RefreshTokenStore
	Audit() AuditStore
}

// UserStore manages principals.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// UpdateMFA persists the encrypted secret together with the enabled
	// flag; an empty secret clears enrollment.
	UpdateMFA(ctx context.Context, userID string, enabled bool, encryptedSecret string) error
	UpdateMFALastStep(ctx context.Context, userID string, step int64) error
	TouchLogin(ctx context.Context, userID string, at time.Time) error
	Deactivate(ctx context.Context, userID string) error
}

// OrganizationStore manages tenants.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
}

// RoleStore manages roles and their permission sets.
type RoleStore interface {
	// Create persists the role and its permissions as one atomic write.
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, organizationID, name string) (*Role, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Role, error)
	// Update replaces mutable fields and the full permission set atomically.
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, id string) error
}

// MembershipStore manages user-organization-role links.
type MembershipStore interface {
	// Upsert creates or replaces the membership for (user, organization),
	// preserving the at-most-one-active-role invariant.
	Upsert(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, organizationID string) (*Membership, error)
	ListByUser(ctx context.Context, userID string) ([]*Membership, error)
	ListByRole(ctx context.Context, roleID string) ([]*Membership, error)
	CountActiveByRole(ctx context.Context, roleID string) (int, error)
}

// RefreshTokenStore manages refresh-token lifecycle records.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Revoke marks the record revoked. It is conditional: revoking a record
	// that is already revoked returns common.ErrConflict, so concurrent
	// rotations of the same token resolve to exactly one winner.
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	// PruneExpired removes the user's expired records. Revoked records are
	// retained until natural expiry so that replay of a rotated token
	// remains recognizable as theft.
	PruneExpired(ctx context.Context, userID string, now time.Time) error
}

// AuditStore appends immutable audit events.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
}
