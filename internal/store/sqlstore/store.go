// Package sqlstore implements auth.Store on database/sql. Queries are
// written once with ? placeholders and rebound per Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ums.dev/internal/auth"
)

var _ auth.Store = (*Store)(nil)

// Store is a database/sql backed auth.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps db. The caller owns db and closes it through Close.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

const userColumns = `id, username, password_hash, status, email, first_name, last_name, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Status, &u.Email, &u.FirstName, &u.LastName,
		timestamp{&u.CreatedAt}, timestamp{&u.UpdatedAt})
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		insert into users (username, password_hash, status, email, first_name, last_name, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		returning id
	`), u.Username, u.PasswordHash, u.Status, u.Email, u.FirstName, u.LastName, u.CreatedAt, u.UpdatedAt).Scan(&u.ID)
	if err != nil {
		if s.dialect.unique(err) {
			return fmt.Errorf("%w: username %q", auth.ErrConflict, u.Username)
		}
		return err
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (auth.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`select `+userColumns+` from users where id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, false, nil
	}
	if err != nil {
		return auth.User{}, false, err
	}
	return u, true, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (auth.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`select `+userColumns+` from users where username = ?`), username))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, false, nil
	}
	if err != nil {
		return auth.User{}, false, err
	}
	return u, true, nil
}

func (s *Store) UpdateUser(ctx context.Context, u *auth.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		update users
		set email = ?, first_name = ?, last_name = ?, password_hash = ?, updated_at = ?
		where id = ?
	`), u.Email, u.FirstName, u.LastName, u.PasswordHash, u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	return expectAffected(res, fmt.Sprintf("user %d", u.ID))
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, s.q(`update users set status = ?, updated_at = ? where id = ?`),
		status, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res, fmt.Sprintf("user %d", id))
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if role.CreatedAt.IsZero() {
		role.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		insert into roles (name, description, created_at)
		values (?, ?, ?)
		returning id
	`), role.Name, role.Description, role.CreatedAt).Scan(&role.ID)
	if err != nil {
		if s.dialect.unique(err) {
			return fmt.Errorf("%w: role %q", auth.ErrConflict, role.Name)
		}
		return err
	}
	return nil
}

func (s *Store) FindRoleByID(ctx context.Context, id int64) (auth.Role, bool, error) {
	return s.findRole(ctx, `select id, name, description, created_at from roles where id = ?`, id)
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, bool, error) {
	return s.findRole(ctx, `select id, name, description, created_at from roles where name = ?`, name)
}

func (s *Store) findRole(ctx context.Context, query string, arg any) (auth.Role, bool, error) {
	var r auth.Role
	err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&r.ID, &r.Name, &r.Description, timestamp{&r.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, false, nil
	}
	if err != nil {
		return auth.Role{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, description, created_at from roles order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, timestamp{&r.CreatedAt}); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		insert into user_roles (user_id, role_id, created_at)
		values (?, ?, ?)
		on conflict (user_id, role_id) do nothing
	`), userID, roleID, s.now().UTC())
	if err != nil {
		if s.dialect.foreignKey(err) {
			return false, fmt.Errorf("%w: user %d or role %d", auth.ErrNotFound, userID, roleID)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FindUserRoles(ctx context.Context, userID int64) ([]auth.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		select user_id, role_id, created_at
		from user_roles
		where user_id = ?
		order by created_at, role_id
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.UserRole
	for rows.Next() {
		var ur auth.UserRole
		if err := rows.Scan(&ur.UserID, &ur.RoleID, timestamp{&ur.CreatedAt}); err != nil {
			return nil, err
		}
		result = append(result, ur)
	}
	return result, rows.Err()
}

func (s *Store) CreatePermission(ctx context.Context, p *auth.Permission) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		insert into permissions (name, created_at)
		values (?, ?)
		returning id
	`), p.Name, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if s.dialect.unique(err) {
			return fmt.Errorf("%w: permission %q", auth.ErrConflict, p.Name)
		}
		return err
	}
	return nil
}

func (s *Store) FindPermissionByName(ctx context.Context, name string) (auth.Permission, bool, error) {
	var p auth.Permission
	err := s.db.QueryRowContext(ctx, s.q(`select id, name, created_at from permissions where name = ?`), name).
		Scan(&p.ID, &p.Name, timestamp{&p.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, false, nil
	}
	if err != nil {
		return auth.Permission{}, false, err
	}
	return p, true, nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		insert into role_permissions (role_id, permission_id)
		values (?, ?)
		on conflict (role_id, permission_id) do nothing
	`), roleID, permissionID)
	if err != nil {
		if s.dialect.foreignKey(err) {
			return fmt.Errorf("%w: role %d or permission %d", auth.ErrNotFound, roleID, permissionID)
		}
		return err
	}
	return nil
}

func (s *Store) PermissionsForUser(ctx context.Context, userID int64) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		select distinct p.id, p.name, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = ?
		order by p.id
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, timestamp{&p.CreatedAt}); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) FindAsset(ctx context.Context, secret bool) (auth.Asset, bool, error) {
	var a auth.Asset
	err := s.db.QueryRowContext(ctx, s.q(`
		select id, name, content, is_secret
		from assets
		where is_secret = ?
		order by id
		limit 1
	`), secret).Scan(&a.ID, &a.Name, &a.Content, &a.IsSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Asset{}, false, nil
	}
	if err != nil {
		return auth.Asset{}, false, err
	}
	return a, true, nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", auth.ErrNotFound, what)
	}
	return nil
}
