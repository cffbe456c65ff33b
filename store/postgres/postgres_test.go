package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

var userCols = []string{
	"id", "email", "username", "first_name", "last_name", "password_hash",
	"mfa_enabled", "mfa_secret", "mfa_last_step", "active",
	"last_login_at", "last_activity_at", "created_at", "updated_at",
}

func TestFindUserByEmail(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(`select .+ from users where lower\(email\)=lower\(\$1\)`).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"u1", "alice@example.com", "alice", "Alice", "Liddell", "$argon2id$...",
			false, "", int64(0), true, nil, nil, now, now,
		))

	user, err := st.Users().FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" || user.Username != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.LastLoginAt != nil {
		t.Fatal("null last_login_at must scan as nil")
	}
	expectMet(t, mock)
}

func TestFindUserNotFound(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery(`select .+ from users where id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := st.Users().Find(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreateUserUniqueViolation(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_active_key"})

	err := st.Users().Create(context.Background(), &store.User{ID: "u1", Email: "alice@example.com"})
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestUpdatePasswordMissingUser(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`update users set password_hash`).
		WithArgs("missing", "hash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Users().UpdatePassword(context.Background(), "missing", "hash")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreateRoleIsTransactional(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	role := &store.Role{
		ID:             "r1",
		OrganizationID: "org-1",
		Name:           "Builder",
		Permissions: []store.Permission{
			{Action: store.ActionCreate, Resource: store.ResourceDesign},
			{Action: store.ActionDeploy, Resource: store.ResourcePipeline, Scope: []string{"pipe-1"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into roles`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("r1", "CREATE", "DESIGN", []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("r1", "DEPLOY", "PIPELINE", []byte(`["pipe-1"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.Roles().Create(context.Background(), role); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestCreateRoleRollsBackOnPermissionFailure(t *testing.T) {
	st, mock := newMock(t)

	role := &store.Role{
		ID:             "r1",
		OrganizationID: "org-1",
		Name:           "Builder",
		Permissions: []store.Permission{
			{Action: store.ActionCreate, Resource: store.ResourceDesign},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into roles`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := st.Roles().Create(context.Background(), role); err == nil {
		t.Fatal("expected the permission failure to surface")
	}
	expectMet(t, mock)
}

func TestUpdateRoleReplacesPermissionSet(t *testing.T) {
	st, mock := newMock(t)

	role := &store.Role{
		ID:             "r1",
		OrganizationID: "org-1",
		Name:           "Builder",
		Permissions: []store.Permission{
			{Action: store.ActionRead, Resource: store.ResourceDesign},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`update roles set`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from role_permissions where role_id=\$1`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`insert into role_permissions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.Roles().Update(context.Background(), role); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestMembershipUpsert(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec(`insert into memberships\(.+ on conflict \(user_id, organization_id\)`).
		WithArgs("u1", "org-1", "r1", true, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Memberships().Upsert(context.Background(), &store.Membership{
		UserID: "u1", OrganizationID: "org-1", RoleID: "r1", Active: true,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestRevokeMissingToken(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`update refresh_tokens set revoked=true where id=\$1 and not revoked`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select revoked from refresh_tokens where id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}))

	err := st.RefreshTokens().Revoke(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestRevokeAlreadyRevokedToken(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`update refresh_tokens set revoked=true where id=\$1 and not revoked`).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select revoked from refresh_tokens where id=\$1`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))

	err := st.RefreshTokens().Revoke(context.Background(), "t1")
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestPruneExpiredDeletesOnlyExpired(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec(`delete from refresh_tokens where user_id=\$1 and expires_at < \$2`).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := st.RefreshTokens().PruneExpired(context.Background(), "u1", now); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestAuditAppend(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec(`insert into audit_events`).
		WithArgs("e1", "u1", "auth.login", "USER", "", "org-1", "10.0.0.1", true, "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Audit().Append(context.Background(), &store.AuditEvent{
		ID: "e1", ActorID: "u1", Action: "auth.login", Resource: "USER",
		OrganizationID: "org-1", Origin: "10.0.0.1", Success: true, OccurredAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}
