package auth

import "context"

// Directory is the read side consulted by the permission resolver. Lookups
// report absence through the found flag; an error always means the store
// itself failed.
type Directory interface {
	FindUserByUsername(ctx context.Context, username string) (User, bool, error)
	FindUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
	FindRoleByName(ctx context.Context, name string) (Role, bool, error)
}

// UserStore manages users.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByID(ctx context.Context, id int64) (User, bool, error)
	UpdateUser(ctx context.Context, u *User) error
	SetUserStatus(ctx context.Context, id int64, status string) error
}

// RoleStore manages roles and user bindings.
type RoleStore interface {
	CreateRole(ctx context.Context, role *Role) error
	FindRoleByID(ctx context.Context, id int64) (Role, bool, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// AssignRole binds userID to roleID and reports whether a new binding was created.
	AssignRole(ctx context.Context, userID, roleID int64) (bool, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	FindPermissionByName(ctx context.Context, name string) (Permission, bool, error)
	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error)
}

// AssetStore reads protected assets.
type AssetStore interface {
	FindAsset(ctx context.Context, secret bool) (Asset, bool, error)
}

// Store describes persistence operations required by the service.
type Store interface {
	Directory
	UserStore
	RoleStore
	PermissionStore
	AssetStore
	Ping(ctx context.Context) error
}
