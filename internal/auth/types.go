package auth

import "time"

// User is an identity record. Inactive users are soft-deleted.
type User struct {
	ID           int64     `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the user has not been soft-deleted.
func (u User) Active() bool {
	return u.Status == UserStatusActive
}

// Role groups permissions.
type Role struct {
	ID          int64     `json:"role_id"`
	Name        string    `json:"role_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a named capability.
type Permission struct {
	ID        int64     `json:"permission_id"`
	Name      string    `json:"permission_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links roles to permissions.
type RolePermission struct {
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
}

// UserRole binds a user to a role.
type UserRole struct {
	UserID    int64     `json:"user_id"`
	RoleID    int64     `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Asset is a protected piece of content served to authorized callers.
type Asset struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	IsSecret bool   `json:"is_secret"`
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
	Password  *string
}

// RegisterInput is the payload accepted at registration time.
type RegisterInput struct {
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
}

// RoleAssignment is the result of binding a role to a user.
type RoleAssignment struct {
	User    User `json:"-"`
	Role    Role `json:"-"`
	Created bool `json:"created"`
}

// IssuedToken is returned to clients after a successful login.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
