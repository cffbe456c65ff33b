package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/patternforge/authcore/audit"
	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/ids"
	"github.com/patternforge/authcore/metrics"
	"github.com/patternforge/authcore/store"
)

// Engine resolves and mutates role-based grants. Checks are cache-first and
// fail closed; role and membership writes invalidate affected cache entries
// only after the store commit, so the cache never outlives the authority of
// record by more than one TTL window.
type Engine struct {
	store   store.Store
	cache   *Cache
	auditor *audit.Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithCache attaches the Redis permission cache. Without it every check
// reads the store directly.
func WithCache(c *Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithAudit attaches the audit dispatcher.
func WithAudit(d *audit.Dispatcher) Option {
	return func(e *Engine) { e.auditor = d }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an Engine backed by the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", common.ErrConfiguration)
	}
	e := &Engine{
		store:  st,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckPermission reports whether the principal may perform action on
// resource within the organization, optionally narrowed to resourceID. Any
// internal failure yields false, never a spurious allow.
func (e *Engine) CheckPermission(ctx context.Context, userID string, action store.Action, resource store.Resource, orgID, resourceID string) bool {
	return e.check(ctx, userID, action, resource, orgID, resourceID, true)
}

// CheckPermissionFresh is CheckPermission with the cache bypassed, for
// callers that cannot tolerate the staleness window, e.g. a check issued
// immediately after revoking a role.
func (e *Engine) CheckPermissionFresh(ctx context.Context, userID string, action store.Action, resource store.Resource, orgID, resourceID string) bool {
	return e.check(ctx, userID, action, resource, orgID, resourceID, false)
}

func (e *Engine) check(ctx context.Context, userID string, action store.Action, resource store.Resource, orgID, resourceID string, useCache bool) bool {
	if !action.Valid() || !resource.Valid() {
		return false
	}
	perms, err := e.resolve(ctx, userID, orgID, useCache)
	if err != nil {
		e.logger.Error("permission resolution failed, denying",
			"user_id", userID, "org_id", orgID, "error", err)
		e.metrics.CheckDenied()
		return false
	}
	if Allows(perms, action, resource, resourceID) {
		e.metrics.CheckAllowed()
		return true
	}
	e.metrics.CheckDenied()
	return false
}

// RequirePermission is CheckPermission returning ErrForbidden on deny. The
// error never explains the denial.
func (e *Engine) RequirePermission(ctx context.Context, userID string, action store.Action, resource store.Resource, orgID, resourceID string) error {
	if !e.CheckPermission(ctx, userID, action, resource, orgID, resourceID) {
		return common.ErrForbidden
	}
	return nil
}

// resolve loads the principal's permission set for the organization. Cache
// failures degrade to a direct store read; the store remains the authority.
func (e *Engine) resolve(ctx context.Context, userID, orgID string, useCache bool) ([]store.Permission, error) {
	if useCache && e.cache != nil {
		perms, hit, err := e.cache.Get(ctx, userID, orgID)
		if err != nil {
			e.logger.Warn("permission cache read failed, falling back to store",
				"user_id", userID, "org_id", orgID, "error", err)
		} else if hit {
			e.metrics.PermCacheHit()
			return perms, nil
		} else {
			e.metrics.PermCacheMiss()
		}
	}

	perms, err := e.loadFromStore(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}

	if useCache && e.cache != nil {
		// An empty set is cached too, so absent memberships do not hammer
		// the store on every denied request.
		if err := e.cache.Set(ctx, userID, orgID, perms); err != nil {
			e.logger.Warn("permission cache write failed",
				"user_id", userID, "org_id", orgID, "error", err)
		}
	}
	return perms, nil
}

func (e *Engine) loadFromStore(ctx context.Context, userID, orgID string) ([]store.Permission, error) {
	m, err := e.store.Memberships().Find(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return []store.Permission{}, nil
		}
		return nil, fmt.Errorf("load membership: %w", err)
	}
	if !m.Active {
		return []store.Permission{}, nil
	}
	role, err := e.store.Roles().Find(ctx, m.RoleID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return []store.Permission{}, nil
		}
		return nil, fmt.Errorf("load role: %w", err)
	}
	return role.Permissions, nil
}

// AssignRole links the principal to the role inside the organization,
// replacing any previous role there. The principal's cache entry is
// invalidated after the membership commit.
func (e *Engine) AssignRole(ctx context.Context, userID, orgID, roleID, actorID string) error {
	role, err := e.store.Roles().Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OrganizationID != orgID {
		return fmt.Errorf("%w: role does not belong to organization", common.ErrNotFound)
	}

	now := e.now().UTC()
	if err := e.store.Memberships().Upsert(ctx, &store.Membership{
		UserID:         userID,
		OrganizationID: orgID,
		RoleID:         roleID,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	e.invalidate(ctx, userID, orgID)
	e.auditor.Record(&store.AuditEvent{
		ActorID:        actorID,
		Action:         "role.assign",
		Resource:       string(store.ResourceRole),
		ResourceID:     roleID,
		OrganizationID: orgID,
		Success:        true,
		Detail:         "assigned to " + userID,
	})
	return nil
}

// CreateRole persists a new custom role with its permission set.
func (e *Engine) CreateRole(ctx context.Context, orgID, name, description string, perms []store.Permission, actorID string) (*store.Role, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", common.ErrInvalidArgument)
	}
	if err := validatePermissions(perms); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	role := &store.Role{
		ID:             ids.NewEntity(),
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		Permissions:    perms,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	e.auditor.Record(&store.AuditEvent{
		ActorID:        actorID,
		Action:         "role.create",
		Resource:       string(store.ResourceRole),
		ResourceID:     role.ID,
		OrganizationID: orgID,
		Success:        true,
		Detail:         name,
	})
	return role, nil
}

// UpdateRole replaces the role's name, description, and permission set.
// System roles are not editable and surface as not found. After the commit,
// the cache entry of every principal holding the role is invalidated.
func (e *Engine) UpdateRole(ctx context.Context, roleID, orgID, name, description string, perms []store.Permission, actorID string) (*store.Role, error) {
	role, err := e.store.Roles().Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.OrganizationID != orgID || role.IsSystem {
		return nil, common.ErrNotFound
	}
	if err := validatePermissions(perms); err != nil {
		return nil, err
	}

	if name != "" {
		role.Name = name
	}
	role.Description = description
	role.Permissions = perms
	role.UpdatedAt = e.now().UTC()
	if err := e.store.Roles().Update(ctx, role); err != nil {
		return nil, err
	}

	e.invalidateHolders(ctx, roleID)
	e.auditor.Record(&store.AuditEvent{
		ActorID:        actorID,
		Action:         "role.update",
		Resource:       string(store.ResourceRole),
		ResourceID:     roleID,
		OrganizationID: orgID,
		Success:        true,
		Detail:         role.Name,
	})
	return role, nil
}

// DeleteRole removes an unused custom role. Roles still held by an active
// membership cannot be deleted; principals must be reassigned first.
func (e *Engine) DeleteRole(ctx context.Context, roleID, orgID, actorID string) error {
	role, err := e.store.Roles().Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OrganizationID != orgID || role.IsSystem {
		return common.ErrNotFound
	}
	inUse, err := e.store.Memberships().CountActiveByRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if inUse > 0 {
		return fmt.Errorf("%w: role is still assigned", common.ErrForbidden)
	}
	if err := e.store.Roles().Delete(ctx, roleID); err != nil {
		return err
	}

	e.invalidateHolders(ctx, roleID)
	e.auditor.Record(&store.AuditEvent{
		ActorID:        actorID,
		Action:         "role.delete",
		Resource:       string(store.ResourceRole),
		ResourceID:     roleID,
		OrganizationID: orgID,
		Success:        true,
		Detail:         role.Name,
	})
	return nil
}

// InitializeDefaultRoles seeds the three system roles every new organization
// starts with. Seeding is idempotent; roles that already exist are left as
// they are.
func (e *Engine) InitializeDefaultRoles(ctx context.Context, orgID string) error {
	for _, seed := range defaultRoles() {
		_, err := e.store.Roles().FindByName(ctx, orgID, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
		}
		now := e.now().UTC()
		role := seed
		role.ID = ids.NewEntity()
		role.OrganizationID = orgID
		role.CreatedAt = now
		role.UpdatedAt = now
		if err := e.store.Roles().Create(ctx, &role); err != nil {
			if errors.Is(err, common.ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}

func defaultRoles() []store.Role {
	crudDeploy := func(r store.Resource) []store.Permission {
		return []store.Permission{
			{Action: store.ActionCreate, Resource: r},
			{Action: store.ActionRead, Resource: r},
			{Action: store.ActionUpdate, Resource: r},
			{Action: store.ActionDelete, Resource: r},
			{Action: store.ActionDeploy, Resource: r},
		}
	}
	developer := append(crudDeploy(store.ResourceDesign), crudDeploy(store.ResourceTemplate)...)
	developer = append(developer, crudDeploy(store.ResourcePipeline)...)
	developer = append(developer, store.Permission{Action: store.ActionRead, Resource: store.ResourceState})

	return []store.Role{
		{
			Name:        "Admin",
			Description: "Full control over the organization",
			Permissions: []store.Permission{
				{Action: store.ActionAdmin, Resource: store.ResourceOrganization},
			},
			IsSystem: true,
		},
		{
			Name:        "Developer",
			Description: "Create, modify, and deploy designs, templates, and pipelines",
			Permissions: developer,
			IsSystem:    true,
		},
		{
			Name:        "Viewer",
			Description: "Read-only access",
			Permissions: []store.Permission{
				{Action: store.ActionRead, Resource: store.ResourceDesign},
				{Action: store.ActionRead, Resource: store.ResourceTemplate},
				{Action: store.ActionRead, Resource: store.ResourcePipeline},
				{Action: store.ActionRead, Resource: store.ResourceState},
			},
			IsSystem:  true,
			IsDefault: true,
		},
	}
}

func validatePermissions(perms []store.Permission) error {
	for _, p := range perms {
		if !p.Action.Valid() {
			return fmt.Errorf("%w: unknown action %q", common.ErrInvalidArgument, p.Action)
		}
		if !p.Resource.Valid() {
			return fmt.Errorf("%w: unknown resource %q", common.ErrInvalidArgument, p.Resource)
		}
	}
	return nil
}

func (e *Engine) invalidate(ctx context.Context, userID, orgID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, userID, orgID); err != nil {
		e.logger.Warn("permission cache invalidation failed",
			"user_id", userID, "org_id", orgID, "error", err)
	}
}

// invalidateHolders drops cache entries for every principal with a
// membership referencing the role, active or not.
func (e *Engine) invalidateHolders(ctx context.Context, roleID string) {
	if e.cache == nil {
		return
	}
	members, err := e.store.Memberships().ListByRole(ctx, roleID)
	if err != nil {
		e.logger.Warn("listing role holders for invalidation failed",
			"role_id", roleID, "error", err)
		return
	}
	for _, m := range members {
		e.invalidate(ctx, m.UserID, m.OrganizationID)
	}
}
