package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
	"github.com/patternforge/authcore/store/memory"
)

const (
	orgID  = "org-1"
	userID = "alice"
)

func newCachedEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := memory.New()
	engine, err := New(st, WithCache(NewCache(client, time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	return engine, st
}

func seedRole(t *testing.T, engine *Engine, name string, perms []store.Permission) *store.Role {
	t.Helper()
	role, err := engine.CreateRole(context.Background(), orgID, name, "", perms, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	return role
}

func assign(t *testing.T, engine *Engine, user, roleID string) {
	t.Helper()
	if err := engine.AssignRole(context.Background(), user, orgID, roleID, "admin-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckPermissionExactMatch(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)

	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("granted permission must allow")
	}
	if engine.CheckPermission(ctx, userID, store.ActionDelete, store.ResourceDesign, orgID, "") {
		t.Fatal("ungranted action must deny")
	}
	if engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceTemplate, orgID, "") {
		t.Fatal("ungranted resource must deny")
	}
	if engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, "org-2", "") {
		t.Fatal("another organization must deny")
	}
	if engine.CheckPermission(ctx, "bob", store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("principal without membership must deny")
	}
}

func TestAdminImpliesResource(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "DesignOwner", []store.Permission{
		{Action: store.ActionAdmin, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)

	for _, action := range store.Actions() {
		if !engine.CheckPermission(ctx, userID, action, store.ResourceDesign, orgID, "") {
			t.Fatalf("resource admin must allow %s", action)
		}
	}
	if engine.CheckPermission(ctx, userID, store.ActionRead, store.ResourceTemplate, orgID, "") {
		t.Fatal("resource admin must not reach other resources")
	}
}

func TestOrganizationAdminImpliesEverything(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Owner", []store.Permission{
		{Action: store.ActionAdmin, Resource: store.ResourceOrganization},
	})
	assign(t, engine, userID, role.ID)

	for _, resource := range store.Resources() {
		for _, action := range store.Actions() {
			if !engine.CheckPermission(ctx, userID, action, resource, orgID, "") {
				t.Fatalf("organization admin must allow %s on %s", action, resource)
			}
		}
	}
}

func TestScopedPermission(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "PipelineOperator", []store.Permission{
		{Action: store.ActionDeploy, Resource: store.ResourcePipeline, Scope: []string{"pipe-1", "pipe-2"}},
	})
	assign(t, engine, userID, role.ID)

	if !engine.CheckPermission(ctx, userID, store.ActionDeploy, store.ResourcePipeline, orgID, "pipe-1") {
		t.Fatal("in-scope id must allow")
	}
	if engine.CheckPermission(ctx, userID, store.ActionDeploy, store.ResourcePipeline, orgID, "pipe-9") {
		t.Fatal("out-of-scope id must deny")
	}
	if engine.CheckPermission(ctx, userID, store.ActionDeploy, store.ResourcePipeline, orgID, "") {
		t.Fatal("scoped grant must not apply without an id")
	}
}

func TestInvalidEnumsDeny(t *testing.T) {
	engine, _ := newCachedEngine(t)
	if engine.CheckPermission(context.Background(), userID, "FROB", store.ResourceDesign, orgID, "") {
		t.Fatal("unknown action must deny")
	}
	if engine.CheckPermission(context.Background(), userID, store.ActionRead, "GADGET", orgID, "") {
		t.Fatal("unknown resource must deny")
	}
}

func TestRequirePermission(t *testing.T) {
	engine, _ := newCachedEngine(t)
	err := engine.RequirePermission(context.Background(), userID, store.ActionRead, store.ResourceDesign, orgID, "")
	if !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestUpdateRoleInvalidatesHolders(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)

	// Warm the cache with the allow.
	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("expected allow before the update")
	}

	if _, err := engine.UpdateRole(ctx, role.ID, orgID, role.Name, "", []store.Permission{
		{Action: store.ActionRead, Resource: store.ResourceDesign},
	}, "admin-1"); err != nil {
		t.Fatal(err)
	}

	if engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("revoked grant must deny once invalidation completes")
	}
	if !engine.CheckPermission(ctx, userID, store.ActionRead, store.ResourceDesign, orgID, "") {
		t.Fatal("replacement grant must allow")
	}
}

func TestFreshBypassesStaleCache(t *testing.T) {
	engine, st := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)
	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("expected allow")
	}

	// Mutate the store behind the engine's back; the cached entry is now
	// stale for up to one TTL.
	role.Permissions = nil
	if err := st.Roles().Update(ctx, role); err != nil {
		t.Fatal(err)
	}

	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("cached decision should still allow inside the TTL window")
	}
	if engine.CheckPermissionFresh(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("fresh check must see the revocation immediately")
	}
}

func TestEngineWorksWithoutCache(t *testing.T) {
	st := memory.New()
	engine, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)

	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("cache-less engine must resolve from the store")
	}
}

func TestCacheOutageDegradesToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := memory.New()
	engine, err := New(st, WithCache(NewCache(client, time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	assign(t, engine, userID, role.ID)

	mr.Close()

	if !engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("cache outage must fall back to the store, not deny")
	}
}

func TestAssignRoleRejectsForeignRole(t *testing.T) {
	engine, st := newCachedEngine(t)
	ctx := context.Background()

	foreign := &store.Role{ID: "role-x", OrganizationID: "org-2", Name: "Other"}
	if err := st.Roles().Create(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	err := engine.AssignRole(ctx, userID, orgID, foreign.ID, "admin-1")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoleValidation(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	_, err := engine.CreateRole(ctx, orgID, "", "", nil, "admin-1")
	if !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("empty name: expected ErrInvalidArgument, got %v", err)
	}
	_, err = engine.CreateRole(ctx, orgID, "Bad", "", []store.Permission{
		{Action: "FROB", Resource: store.ResourceDesign},
	}, "admin-1")
	if !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("bad action: expected ErrInvalidArgument, got %v", err)
	}

	seedRole(t, engine, "Builder", nil)
	_, err = engine.CreateRole(ctx, orgID, "Builder", "", nil, "admin-1")
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate name: expected ErrConflict, got %v", err)
	}
}

func TestSystemRolesAreImmutable(t *testing.T) {
	engine, st := newCachedEngine(t)
	ctx := context.Background()

	if err := engine.InitializeDefaultRoles(ctx, orgID); err != nil {
		t.Fatal(err)
	}
	admin, err := st.Roles().FindByName(ctx, orgID, "Admin")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.UpdateRole(ctx, admin.ID, orgID, "Admin", "", nil, "admin-1"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("system role update: expected ErrNotFound, got %v", err)
	}
	if err := engine.DeleteRole(ctx, admin.ID, orgID, "admin-1"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("system role delete: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRoleInUse(t *testing.T) {
	engine, _ := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", nil)
	assign(t, engine, userID, role.ID)

	if err := engine.DeleteRole(ctx, role.ID, orgID, "admin-1"); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("in-use role delete: expected ErrForbidden, got %v", err)
	}

	// Reassign, then the delete goes through.
	other := seedRole(t, engine, "Viewer2", nil)
	assign(t, engine, userID, other.ID)
	if err := engine.DeleteRole(ctx, role.ID, orgID, "admin-1"); err != nil {
		t.Fatal(err)
	}
}

func TestInitializeDefaultRoles(t *testing.T) {
	engine, st := newCachedEngine(t)
	ctx := context.Background()

	if err := engine.InitializeDefaultRoles(ctx, orgID); err != nil {
		t.Fatal(err)
	}
	// Second run is a no-op.
	if err := engine.InitializeDefaultRoles(ctx, orgID); err != nil {
		t.Fatal(err)
	}
	roles, err := st.Roles().ListByOrganization(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 3 {
		t.Fatalf("seeded %d roles, want 3", len(roles))
	}

	dev, err := st.Roles().FindByName(ctx, orgID, "Developer")
	if err != nil {
		t.Fatal(err)
	}
	assign(t, engine, userID, dev.ID)

	if !engine.CheckPermission(ctx, userID, store.ActionDeploy, store.ResourcePipeline, orgID, "") {
		t.Fatal("developer must deploy pipelines")
	}
	if !engine.CheckPermission(ctx, userID, store.ActionRead, store.ResourceState, orgID, "") {
		t.Fatal("developer must read state")
	}
	if engine.CheckPermission(ctx, userID, store.ActionUpdate, store.ResourceState, orgID, "") {
		t.Fatal("developer must not write state")
	}
	if engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceRole, orgID, "") {
		t.Fatal("developer must not manage roles")
	}
}

func TestInactiveMembershipDenies(t *testing.T) {
	engine, st := newCachedEngine(t)
	ctx := context.Background()

	role := seedRole(t, engine, "Builder", []store.Permission{
		{Action: store.ActionCreate, Resource: store.ResourceDesign},
	})
	if err := st.Memberships().Upsert(ctx, &store.Membership{
		UserID: userID, OrganizationID: orgID, RoleID: role.ID, Active: false,
	}); err != nil {
		t.Fatal(err)
	}

	if engine.CheckPermission(ctx, userID, store.ActionCreate, store.ResourceDesign, orgID, "") {
		t.Fatal("inactive membership must deny")
	}
}
