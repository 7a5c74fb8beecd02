// Package memory provides a goroutine-safe in-memory auth.Store used by the
// "memory" database adapter and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ums.dev/internal/auth"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every record in maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	users       map[int64]auth.User
	roles       map[int64]auth.Role
	permissions map[int64]auth.Permission
	rolePerms   map[int64]map[int64]struct{}
	userRoles   map[int64][]auth.UserRole
	assets      []auth.Asset

	nextUser, nextRole, nextPerm, nextAsset int64

	now func() time.Time
}

// New returns an empty store. The first role created receives id 1.
func New() *Store {
	return &Store{
		users:       make(map[int64]auth.User),
		roles:       make(map[int64]auth.Role),
		permissions: make(map[int64]auth.Permission),
		rolePerms:   make(map[int64]map[int64]struct{}),
		userRoles:   make(map[int64][]auth.UserRole),
		now:         time.Now,
	}
}

// NewSeeded returns a store holding the same baseline rows the SQL
// migrations install: admin (id 1) with the "all" permission, staff, and
// one business and one marketing asset.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()
	now := s.now().UTC()
	admin := auth.Role{Name: auth.RoleAdmin, Description: "super-role", CreatedAt: now}
	staff := auth.Role{Name: auth.RoleStaff, Description: "marketing staff", CreatedAt: now}
	all := auth.Permission{Name: auth.PermissionAll, CreatedAt: now}
	_ = s.CreateRole(ctx, &admin)
	_ = s.CreateRole(ctx, &staff)
	_ = s.CreatePermission(ctx, &all)
	_ = s.GrantPermission(ctx, admin.ID, all.ID)
	s.AddAsset(auth.Asset{Name: "quarterly-report", Content: "Q3 revenue up 12% on enterprise renewals", IsSecret: true})
	s.AddAsset(auth.Asset{Name: "launch-brief", Content: "Spring campaign launches in April", IsSecret: false})
	return s
}

// AddAsset stores an asset and returns it with its id.
func (s *Store) AddAsset(a auth.Asset) auth.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAsset++
	a.ID = s.nextAsset
	s.assets = append(s.assets, a)
	return a
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %q", auth.ErrConflict, u.Username)
		}
	}
	s.nextUser++
	u.ID = s.nextUser
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (auth.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.User{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (auth.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.User{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return auth.User{}, false, nil
}

func (s *Store) UpdateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, u.ID)
	}
	existing.Email = u.Email
	existing.FirstName = u.FirstName
	existing.LastName = u.LastName
	existing.PasswordHash = u.PasswordHash
	existing.UpdatedAt = u.UpdatedAt
	s.users[u.ID] = existing
	*u = existing
	return nil
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	u.Status = status
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == role.Name {
			return fmt.Errorf("%w: role %q", auth.ErrConflict, role.Name)
		}
	}
	s.nextRole++
	role.ID = s.nextRole
	s.roles[role.ID] = *role
	return nil
}

func (s *Store) FindRoleByID(ctx context.Context, id int64) (auth.Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.Role{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	return r, ok, nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.Role{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name {
			return r, true, nil
		}
	}
	return auth.Role{}, false, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false, fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	for _, b := range s.userRoles[userID] {
		if b.RoleID == roleID {
			return false, nil
		}
	}
	s.userRoles[userID] = append(s.userRoles[userID], auth.UserRole{
		UserID:    userID,
		RoleID:    roleID,
		CreatedAt: s.now().UTC(),
	})
	return true, nil
}

func (s *Store) FindUserRoles(ctx context.Context, userID int64) ([]auth.UserRole, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bindings := s.userRoles[userID]
	out := make([]auth.UserRole, len(bindings))
	copy(out, bindings)
	return out, nil
}

func (s *Store) CreatePermission(ctx context.Context, p *auth.Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: permission %q", auth.ErrConflict, p.Name)
		}
	}
	s.nextPerm++
	p.ID = s.nextPerm
	s.permissions[p.ID] = *p
	return nil
}

func (s *Store) FindPermissionByName(ctx context.Context, name string) (auth.Permission, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.Permission{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Name == name {
			return p, true, nil
		}
	}
	return auth.Permission{}, false, nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return fmt.Errorf("%w: permission %d", auth.ErrNotFound, permissionID)
	}
	set, ok := s.rolePerms[roleID]
	if !ok {
		set = make(map[int64]struct{})
		s.rolePerms[roleID] = set
	}
	set[permissionID] = struct{}{}
	return nil
}

func (s *Store) PermissionsForUser(ctx context.Context, userID int64) ([]auth.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []auth.Permission
	for _, b := range s.userRoles[userID] {
		for pid := range s.rolePerms[b.RoleID] {
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}
			out = append(out, s.permissions[pid])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindAsset(ctx context.Context, secret bool) (auth.Asset, bool, error) {
	if err := ctx.Err(); err != nil {
		return auth.Asset{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.IsSecret == secret {
			return a, true, nil
		}
	}
	return auth.Asset{}, false, nil
}
