// Package postgres implements the credential store on PostgreSQL through
// database/sql and the pgx driver. Multi-row writes (a role and its
// permission set) run in a single transaction; uniqueness violations are
// mapped to common.ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
)

const uniqueViolation = "23505"

// Open connects to PostgreSQL with the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return db, nil
}

var _ store.Store = (*Store)(nil)

// Store implements store.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Users() store.UserStore                 { return &userStore{db: s.db} }
func (s *Store) Organizations() store.OrganizationStore { return &orgStore{db: s.db} }
func (s *Store) Roles() store.RoleStore                 { return &roleStore{db: s.db} }
func (s *Store) Memberships() store.MembershipStore     { return &membershipStore{db: s.db} }
func (s *Store) RefreshTokens() store.RefreshTokenStore { return &tokenStore{db: s.db} }
func (s *Store) Audit() store.AuditStore                { return &auditStore{db: s.db} }

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", common.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, email, username, first_name, last_name, password_hash,
	mfa_enabled, mfa_secret, mfa_last_step, active,
	last_login_at, last_activity_at, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *store.User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, username, first_name, last_name, password_hash,
			mfa_enabled, mfa_secret, mfa_last_step, active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		u.ID, u.Email, u.Username, u.FirstName, u.LastName, u.PasswordHash,
		u.MFAEnabled, u.MFASecret, u.MFALastStep, u.Active, u.CreatedAt, u.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (s *userStore) Find(ctx context.Context, id string) (*store.User, error) {
	return s.findWhere(ctx, `id=$1`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return s.findWhere(ctx, `lower(email)=lower($1)`, email)
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.findWhere(ctx, `lower(username)=lower($1)`, username)
}

func (s *userStore) findWhere(ctx context.Context, where string, arg any) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where `+where, arg)
	var u store.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &u.PasswordHash,
		&u.MFAEnabled, &u.MFASecret, &u.MFALastStep, &u.Active,
		&u.LastLoginAt, &u.LastActivityAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.update(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash)
}

func (s *userStore) UpdateMFA(ctx context.Context, userID string, enabled bool, encryptedSecret string) error {
	return s.update(ctx,
		`update users set mfa_enabled=$2, mfa_secret=$3, updated_at=now() where id=$1`,
		userID, enabled, encryptedSecret)
}

func (s *userStore) UpdateMFALastStep(ctx context.Context, userID string, step int64) error {
	// greatest() keeps the counter monotonic under concurrent verifications.
	return s.update(ctx,
		`update users set mfa_last_step=greatest(mfa_last_step,$2), updated_at=now() where id=$1`,
		userID, step)
}

func (s *userStore) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	return s.update(ctx,
		`update users set last_login_at=$2, last_activity_at=$2, updated_at=now() where id=$1`,
		userID, at)
}

func (s *userStore) Deactivate(ctx context.Context, userID string) error {
	return s.update(ctx,
		`update users set active=false, updated_at=now() where id=$1`, userID)
}

func (s *userStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Organization store -------------------------------------------------------

type orgStore struct{ db *sql.DB }

func (s *orgStore) Create(ctx context.Context, org *store.Organization) error {
	_, err := s.db.ExecContext(ctx,
		`insert into organizations(id, name, created_at, updated_at) values($1,$2,$3,$4)`,
		org.ID, org.Name, org.CreatedAt, org.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (s *orgStore) Find(ctx context.Context, id string) (*store.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, created_at, updated_at from organizations where id=$1`, id)
	var org store.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

const roleColumns = `id, organization_id, name, description, is_default, is_system, created_at, updated_at`

func (s *roleStore) Create(ctx context.Context, role *store.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`insert into roles(`+roleColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8)`,
		role.ID, role.OrganizationID, role.Name, role.Description,
		role.IsDefault, role.IsSystem, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr(err)
	}
	if err := insertPermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) Find(ctx context.Context, id string) (*store.Role, error) {
	return s.findWhere(ctx, `id=$1`, id)
}

func (s *roleStore) FindByName(ctx context.Context, organizationID, name string) (*store.Role, error) {
	return s.findWhere(ctx, `organization_id=$1 and name=$2`, organizationID, name)
}

func (s *roleStore) findWhere(ctx context.Context, where string, args ...any) (*store.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where `+where, args...)
	role, err := scanRole(row)
	if err != nil {
		return nil, err
	}
	role.Permissions, err = s.loadPermissions(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s *roleStore) ListByOrganization(ctx context.Context, organizationID string) ([]*store.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles where organization_id=$1 order by created_at asc`,
		organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*store.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, role := range roles {
		if role.Permissions, err = s.loadPermissions(ctx, role.ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func (s *roleStore) Update(ctx context.Context, role *store.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`update roles set name=$2, description=$3, is_default=$4, updated_at=$5 where id=$1`,
		role.ID, role.Name, role.Description, role.IsDefault, role.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return common.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, role.ID); err != nil {
		return err
	}
	if err := insertPermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *roleStore) loadPermissions(ctx context.Context, roleID string) ([]store.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select action, resource, scope from role_permissions where role_id=$1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []store.Permission{}
	for rows.Next() {
		var (
			p     store.Permission
			scope []byte
		)
		if err := rows.Scan(&p.Action, &p.Resource, &scope); err != nil {
			return nil, err
		}
		if len(scope) > 0 {
			if err := json.Unmarshal(scope, &p.Scope); err != nil {
				return nil, err
			}
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func insertPermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []store.Permission) error {
	for _, p := range perms {
		var scope []byte
		if len(p.Scope) > 0 {
			raw, err := json.Marshal(p.Scope)
			if err != nil {
				return err
			}
			scope = raw
		}
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, action, resource, scope) values($1,$2,$3,$4)`,
			roleID, p.Action, p.Resource, scope,
		); err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*store.Role, error) {
	var role store.Role
	err := row.Scan(
		&role.ID, &role.OrganizationID, &role.Name, &role.Description,
		&role.IsDefault, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// Membership store ---------------------------------------------------------

type membershipStore struct{ db *sql.DB }

const membershipColumns = `user_id, organization_id, role_id, active, created_at, updated_at`

func (s *membershipStore) Upsert(ctx context.Context, m *store.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into memberships(`+membershipColumns+`) values($1,$2,$3,$4,$5,$6)
		 on conflict (user_id, organization_id)
		 do update set role_id=excluded.role_id, active=excluded.active, updated_at=excluded.updated_at`,
		m.UserID, m.OrganizationID, m.RoleID, m.Active, m.CreatedAt, m.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (s *membershipStore) Find(ctx context.Context, userID, organizationID string) (*store.Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from memberships where user_id=$1 and organization_id=$2`,
		userID, organizationID)
	var m store.Membership
	err := row.Scan(&m.UserID, &m.OrganizationID, &m.RoleID, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *membershipStore) ListByUser(ctx context.Context, userID string) ([]*store.Membership, error) {
	return s.list(ctx, `user_id=$1`, userID)
}

func (s *membershipStore) ListByRole(ctx context.Context, roleID string) ([]*store.Membership, error) {
	return s.list(ctx, `role_id=$1`, roleID)
}

func (s *membershipStore) list(ctx context.Context, where string, arg any) ([]*store.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+membershipColumns+` from memberships where `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*store.Membership
	for rows.Next() {
		var m store.Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.RoleID, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, &m)
	}
	return res, rows.Err()
}

func (s *membershipStore) CountActiveByRole(ctx context.Context, roleID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`select count(*) from memberships where role_id=$1 and active`, roleID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Refresh token store ------------------------------------------------------

type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Create(ctx context.Context, t *store.RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, revoked, created_at)
		 values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.Revoked, t.CreatedAt,
	)
	return mapWriteErr(err)
}

func (s *tokenStore) Find(ctx context.Context, id string) (*store.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, revoked, created_at
		 from refresh_tokens where id=$1`, id)
	var t store.RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *tokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and not revoked`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	// Zero rows: either the record is gone or another rotation got there
	// first. The distinction matters to the token service.
	var revoked bool
	err = s.db.QueryRowContext(ctx,
		`select revoked from refresh_tokens where id=$1`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return err
	}
	if revoked {
		return common.ErrConflict
	}
	return common.ErrNotFound
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and not revoked`, userID)
	return err
}

func (s *tokenStore) PruneExpired(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where user_id=$1 and expires_at < $2`, userID, now)
	return err
}

// Audit store --------------------------------------------------------------

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, event *store.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`insert into audit_events(id, actor_id, action, resource, resource_id,
			organization_id, origin, success, detail, occurred_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		event.ID, event.ActorID, event.Action, event.Resource, event.ResourceID,
		event.OrganizationID, event.Origin, event.Success, event.Detail, event.OccurredAt,
	)
	return mapWriteErr(err)
}
