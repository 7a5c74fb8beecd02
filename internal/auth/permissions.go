package auth

// AdminRoleID is the distinguished super-role. Holders of a binding to it pass
// every authorization check without a role lookup. This is a deliberate
// shortcut: the role_permissions graph is not consulted by the resolver.
const AdminRoleID int64 = 1

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"

	PermissionAll = "all"
)

const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)
