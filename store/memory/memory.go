// Package memory provides a mutex-guarded in-memory Store. It is the
// reference implementation for tests and lets the core run, slower, with no
// external database at all.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
)

// Store implements store.Store with in-process maps.
type Store struct {
	mu sync.RWMutex

	users         map[string]*store.User
	organizations map[string]*store.Organization
	roles         map[string]*store.Role
	memberships   map[string]*store.Membership // keyed userID + "/" + orgID
	refreshTokens map[string]*store.RefreshToken
	auditEvents   []*store.AuditEvent
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:         make(map[string]*store.User),
		organizations: make(map[string]*store.Organization),
		roles:         make(map[string]*store.Role),
		memberships:   make(map[string]*store.Membership),
		refreshTokens: make(map[string]*store.RefreshToken),
	}
}

func (s *Store) Users() store.UserStore                 { return (*userStore)(s) }
func (s *Store) Organizations() store.OrganizationStore { return (*orgStore)(s) }
func (s *Store) Roles() store.RoleStore                 { return (*roleStore)(s) }
func (s *Store) Memberships() store.MembershipStore     { return (*membershipStore)(s) }
func (s *Store) RefreshTokens() store.RefreshTokenStore { return (*refreshTokenStore)(s) }
func (s *Store) Audit() store.AuditStore                { return (*auditStore)(s) }

// AuditEvents returns a snapshot of appended events, oldest first.
func (s *Store) AuditEvents() []*store.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.AuditEvent, len(s.auditEvents))
	for i, e := range s.auditEvents {
		clone := *e
		out[i] = &clone
	}
	return out
}

func membershipKey(userID, orgID string) string { return userID + "/" + orgID }

// User store -----------------------------------------------------------------

type userStore Store

func (s *userStore) Create(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if !existing.Active {
			continue
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: email already registered", common.ErrConflict)
		}
		if u.Username != "" && strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username already taken", common.ErrConflict)
		}
	}
	clone := *u
	s.users[u.ID] = &clone
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) && u.Active {
			clone := *u
			return &clone, nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *userStore) FindByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) && u.Active {
			clone := *u
			return &clone, nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *userStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) UpdateMFA(_ context.Context, userID string, enabled bool, encryptedSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	u.MFAEnabled = enabled
	u.MFASecret = encryptedSecret
	if encryptedSecret == "" {
		u.MFALastStep = 0
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) UpdateMFALastStep(_ context.Context, userID string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	u.MFALastStep = step
	return nil
}

func (s *userStore) TouchLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	t := at
	u.LastLoginAt = &t
	u.LastActivityAt = &t
	return nil
}

func (s *userStore) Deactivate(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	u.Active = false
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Organization store ----------------------------------------------------------

type orgStore Store

func (s *orgStore) Create(_ context.Context, org *store.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.organizations[org.ID]; ok {
		return common.ErrConflict
	}
	clone := *org
	s.organizations[org.ID] = &clone
	return nil
}

func (s *orgStore) Find(_ context.Context, id string) (*store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.organizations[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *org
	return &clone, nil
}

// Role store -------------------------------------------------------------------

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.OrganizationID == role.OrganizationID && strings.EqualFold(existing.Name, role.Name) {
			return fmt.Errorf("%w: role name already exists in organization", common.ErrConflict)
		}
	}
	s.roles[role.ID] = cloneRole(role)
	return nil
}

func (s *roleStore) Find(_ context.Context, id string) (*store.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneRole(role), nil
}

func (s *roleStore) FindByName(_ context.Context, organizationID, name string) (*store.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range s.roles {
		if role.OrganizationID == organizationID && strings.EqualFold(role.Name, name) {
			return cloneRole(role), nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *roleStore) ListByOrganization(_ context.Context, organizationID string) ([]*store.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Role
	for _, role := range s.roles {
		if role.OrganizationID == organizationID {
			out = append(out, cloneRole(role))
		}
	}
	return out, nil
}

func (s *roleStore) Update(_ context.Context, role *store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; !ok {
		return common.ErrNotFound
	}
	for _, existing := range s.roles {
		if existing.ID != role.ID &&
			existing.OrganizationID == role.OrganizationID &&
			strings.EqualFold(existing.Name, role.Name) {
			return fmt.Errorf("%w: role name already exists in organization", common.ErrConflict)
		}
	}
	s.roles[role.ID] = cloneRole(role)
	return nil
}

func (s *roleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return common.ErrNotFound
	}
	delete(s.roles, id)
	return nil
}

func cloneRole(role *store.Role) *store.Role {
	clone := *role
	clone.Permissions = make([]store.Permission, len(role.Permissions))
	for i, p := range role.Permissions {
		cp := p
		cp.Scope = append([]string(nil), p.Scope...)
		clone.Permissions[i] = cp
	}
	return &clone
}

// Membership store --------------------------------------------------------------

type membershipStore Store

func (s *membershipStore) Upsert(_ context.Context, m *store.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *m
	s.memberships[membershipKey(m.UserID, m.OrganizationID)] = &clone
	return nil
}

func (s *membershipStore) Find(_ context.Context, userID, organizationID string) (*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey(userID, organizationID)]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *membershipStore) ListByUser(_ context.Context, userID string) ([]*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *membershipStore) ListByRole(_ context.Context, roleID string) ([]*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.RoleID == roleID {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *membershipStore) CountActiveByRole(_ context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.memberships {
		if m.RoleID == roleID && m.Active {
			count++
		}
	}
	return count, nil
}

// Refresh token store ------------------------------------------------------------

type refreshTokenStore Store

func (s *refreshTokenStore) Create(_ context.Context, t *store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refreshTokens[t.ID]; ok {
		return common.ErrConflict
	}
	clone := *t
	s.refreshTokens[t.ID] = &clone
	return nil
}

func (s *refreshTokenStore) Find(_ context.Context, id string) (*store.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *refreshTokenStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return common.ErrNotFound
	}
	if t.Revoked {
		return common.ErrConflict
	}
	t.Revoked = true
	return nil
}

func (s *refreshTokenStore) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.refreshTokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (s *refreshTokenStore) PruneExpired(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.refreshTokens {
		if t.UserID == userID && now.After(t.ExpiresAt) {
			delete(s.refreshTokens, id)
		}
	}
	return nil
}

// Audit store ---------------------------------------------------------------------

type auditStore Store

func (s *auditStore) Append(_ context.Context, event *store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *event
	s.auditEvents = append(s.auditEvents, &clone)
	return nil
}
