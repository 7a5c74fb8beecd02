package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenTypeBearer is the token_type reported to clients at login.
const TokenTypeBearer = "bearer"

// Service provides user management, token issuance and authorization.
type Service struct {
	store    Store
	hasher   *Hasher
	codec    *TokenCodec
	resolver *Resolver
	observe  Observer
	now      func() time.Time

	// dummyHash is compared against when a login names an unknown user so
	// both paths cost one hash verification.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithObserver routes diagnostic events from the service and its resolver.
func WithObserver(fn Observer) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.observe = fn
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, hasher *Hasher, codec *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if hasher == nil || codec == nil {
		return nil, errors.New("auth: hasher and token codec are required")
	}
	svc := &Service{
		store:   store,
		hasher:  hasher,
		codec:   codec,
		observe: func(context.Context, string, map[string]any) {},
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := hasher.HashPassword("ums-timing-equaliser")
	if err != nil {
		return nil, err
	}
	svc.dummyHash = dummy
	resolver, err := NewResolver(store, codec, svc.observe)
	if err != nil {
		return nil, err
	}
	svc.resolver = resolver
	return svc, nil
}

// Authorizer exposes the resolver used by Authorize.
func (s *Service) Authorizer() Authorizer { return s.resolver }

// Authorize decides whether the Authorization header value grants requiredRole.
func (s *Service) Authorize(ctx context.Context, header, requiredRole string) (Decision, error) {
	return s.resolver.Authorize(ctx, header, requiredRole)
}

// HashPassword hashes plain with the configured scheme.
func (s *Service) HashPassword(plain string) (string, error) {
	return s.hasher.HashPassword(plain)
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return infra("ping store", err)
	}
	return nil
}

// IssueTokenForCredentials verifies username and password and issues an
// access token whose subject is the username.
func (s *Service) IssueTokenForCredentials(ctx context.Context, username, password string) (IssuedToken, error) {
	username = strings.TrimSpace(username)
	user, found, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		s.observe(ctx, "login.error", map[string]any{"username": username, "error": err.Error()})
		return IssuedToken{}, infra("find user", err)
	}
	if !found {
		s.hasher.VerifyPassword(password, s.dummyHash)
		s.observe(ctx, "login.failure", map[string]any{"username": username, "outcome": "unknown_user"})
		return IssuedToken{}, ErrUserNotFound
	}
	if !s.hasher.VerifyPassword(password, user.PasswordHash) {
		s.observe(ctx, "login.failure", map[string]any{"username": username, "outcome": "bad_password"})
		return IssuedToken{}, ErrInvalidCredentials
	}
	if !user.Active() {
		s.observe(ctx, "login.failure", map[string]any{"username": username, "outcome": "inactive_user"})
		return IssuedToken{}, ErrInvalidCredentials
	}

	token, exp, err := s.codec.Issue(Claims{"sub": user.Username}, 0)
	if err != nil {
		return IssuedToken{}, err
	}
	s.observe(ctx, "login.success", map[string]any{"username": username, "user_id": user.ID, "outcome": "success"})
	return IssuedToken{AccessToken: token, TokenType: TokenTypeBearer, ExpiresAt: exp}, nil
}

// Register creates an active user with a hashed password.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(in.Username) > 64 {
		return User{}, fmt.Errorf("%w: username is too long", ErrInvalidInput)
	}
	if in.Password == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if in.Email != "" && !strings.Contains(in.Email, "@") {
		return User{}, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}

	_, found, err := s.store.FindUserByUsername(ctx, in.Username)
	if err != nil {
		return User{}, infra("find user", err)
	}
	if found {
		return User{}, fmt.Errorf("%w: username %q is taken", ErrConflict, in.Username)
	}

	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	user := User{
		Username:     in.Username,
		PasswordHash: hash,
		Status:       UserStatusActive,
		Email:        in.Email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, infra("create user", err)
	}
	s.observe(ctx, "user.created", map[string]any{"user_id": user.ID, "username": user.Username})
	return user, nil
}

// GetUser returns an active user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	user, found, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return User{}, infra("find user", err)
	}
	if !found || !user.Active() {
		return User{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return user, nil
}

// UpdateUser applies the non-nil fields of upd to an active user.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if upd.Email != nil {
		email := strings.TrimSpace(*upd.Email)
		if email != "" && !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
		}
		user.Email = email
	}
	if upd.FirstName != nil {
		user.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		user.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Password != nil {
		hash, err := s.hasher.HashPassword(*upd.Password)
		if err != nil {
			return User{}, err
		}
		user.PasswordHash = hash
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateUser(ctx, &user); err != nil {
		return User{}, infra("update user", err)
	}
	return user, nil
}

// DeleteUser marks an active user inactive. The record and its role
// bindings are kept; the resolver and login refuse inactive users.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if _, err := s.GetUser(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetUserStatus(ctx, id, UserStatusInactive); err != nil {
		return infra("deactivate user", err)
	}
	s.observe(ctx, "user.deactivated", map[string]any{"user_id": id})
	return nil
}

// AssignRole binds an active user to an existing role. Assigning a role
// that is already held succeeds with Created=false.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) (RoleAssignment, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return RoleAssignment{}, err
	}
	role, found, err := s.store.FindRoleByID(ctx, roleID)
	if err != nil {
		return RoleAssignment{}, infra("find role", err)
	}
	if !found {
		return RoleAssignment{}, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	created, err := s.store.AssignRole(ctx, user.ID, role.ID)
	if err != nil {
		return RoleAssignment{}, infra("assign role", err)
	}
	s.observe(ctx, "role.assigned", map[string]any{"user_id": user.ID, "role_id": role.ID, "created": created})
	return RoleAssignment{User: user, Role: role, Created: created}, nil
}

// CreateRole adds a role with a unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := Role{Name: name, Description: strings.TrimSpace(description), CreatedAt: s.now().UTC()}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, infra("create role", err)
	}
	return role, nil
}

// ListRoles returns all roles ordered by id.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, infra("list roles", err)
	}
	return roles, nil
}

// CreatePermission adds a permission with a unique name.
func (s *Service) CreatePermission(ctx context.Context, name string) (Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	perm := Permission{Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.CreatePermission(ctx, &perm); err != nil {
		return Permission{}, infra("create permission", err)
	}
	return perm, nil
}

// GrantPermissions links permissionIDs to roleID. Existing links are kept.
func (s *Service) GrantPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return fmt.Errorf("%w: permission ids are required", ErrInvalidInput)
	}
	_, found, err := s.store.FindRoleByID(ctx, roleID)
	if err != nil {
		return infra("find role", err)
	}
	if !found {
		return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	for _, pid := range permissionIDs {
		if err := s.store.GrantPermission(ctx, roleID, pid); err != nil {
			return infra("grant permission", err)
		}
	}
	return nil
}

// PermissionsForUser lists the distinct permissions reachable through the
// user's roles. Authorization does not consult this graph.
func (s *Service) PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	perms, err := s.store.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, infra("permissions for user", err)
	}
	return perms, nil
}

// Asset returns the first secret (business) or non-secret (marketing) asset.
func (s *Service) Asset(ctx context.Context, secret bool) (Asset, error) {
	asset, found, err := s.store.FindAsset(ctx, secret)
	if err != nil {
		return Asset{}, infra("find asset", err)
	}
	if !found {
		return Asset{}, fmt.Errorf("%w: no asset", ErrNotFound)
	}
	return asset, nil
}

// SeedSuperuser makes sure the "all" permission, the admin role and their
// link exist, then creates (or reuses) username and binds it to admin.
func (s *Service) SeedSuperuser(ctx context.Context, in RegisterInput) (User, error) {
	perm, found, err := s.store.FindPermissionByName(ctx, PermissionAll)
	if err != nil {
		return User{}, infra("find permission", err)
	}
	if !found {
		if perm, err = s.CreatePermission(ctx, PermissionAll); err != nil {
			return User{}, err
		}
	}

	role, found, err := s.store.FindRoleByName(ctx, RoleAdmin)
	if err != nil {
		return User{}, infra("find role", err)
	}
	if !found {
		if role, err = s.CreateRole(ctx, RoleAdmin, "super-role"); err != nil {
			return User{}, err
		}
	}
	if role.ID != AdminRoleID {
		return User{}, fmt.Errorf("%w: admin role has id %d, want %d", ErrConflict, role.ID, AdminRoleID)
	}
	if err := s.store.GrantPermission(ctx, role.ID, perm.ID); err != nil {
		return User{}, infra("grant permission", err)
	}

	user, found, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(in.Username))
	if err != nil {
		return User{}, infra("find user", err)
	}
	if !found {
		if user, err = s.Register(ctx, in); err != nil {
			return User{}, err
		}
	} else if !user.Active() {
		return User{}, fmt.Errorf("%w: user %q is inactive", ErrConflict, user.Username)
	}
	if _, err := s.store.AssignRole(ctx, user.ID, role.ID); err != nil {
		return User{}, infra("assign role", err)
	}
	return user, nil
}

// infra wraps store errors that are not domain sentinels.
func infra(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}
