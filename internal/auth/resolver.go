package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const bearerPrefix = "Bearer "

// Reason explains an authorization decision. It is meant for diagnostics
// and metrics, never for clients.
type Reason string

const (
	ReasonNoToken        Reason = "no_token"
	ReasonTokenInvalid   Reason = "token_invalid"
	ReasonTokenExpired   Reason = "token_expired"
	ReasonMissingSubject Reason = "missing_subject"
	ReasonUnknownUser    Reason = "unknown_user"
	ReasonInactiveUser   Reason = "inactive_user"
	ReasonAdminBypass    Reason = "admin_bypass"
	ReasonUnknownRole    Reason = "unknown_role"
	ReasonRoleGranted    Reason = "role_granted"
	ReasonRoleNotHeld    Reason = "role_not_held"
)

// Authenticated reports whether the reason implies the caller proved a valid
// identity. Denials with an authenticated reason are "forbidden", the rest
// are "unauthenticated".
func (r Reason) Authenticated() bool {
	switch r {
	case ReasonAdminBypass, ReasonUnknownRole, ReasonRoleGranted, ReasonRoleNotHeld:
		return true
	default:
		return false
	}
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed  bool
	Reason   Reason
	Subject  string
	UserID   int64
	Required string
}

// Authorizer decides whether a presented credential grants a role.
type Authorizer interface {
	Authorize(ctx context.Context, header, requiredRole string) (Decision, error)
}

// Observer receives diagnostic events emitted by the resolver.
type Observer func(ctx context.Context, event string, fields map[string]any)

// Resolver implements Authorizer against a Directory. It keeps no state
// between calls; every call re-reads role bindings from the store.
type Resolver struct {
	dir     Directory
	codec   *TokenCodec
	observe Observer
}

var _ Authorizer = (*Resolver)(nil)

// NewResolver constructs a Resolver. observe may be nil.
func NewResolver(dir Directory, codec *TokenCodec, observe Observer) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("auth: directory is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if observe == nil {
		observe = func(context.Context, string, map[string]any) {}
	}
	return &Resolver{dir: dir, codec: codec, observe: observe}, nil
}

// Authorize checks header against requiredRole. Expected failures are
// reported as a denied Decision; the error is non-nil only when the store
// failed, in which case it wraps ErrInfrastructure.
func (r *Resolver) Authorize(ctx context.Context, header, requiredRole string) (Decision, error) {
	d := Decision{Required: requiredRole}

	if strings.TrimSpace(header) == "" {
		return r.deny(ctx, d, ReasonNoToken), nil
	}

	claims, err := r.codec.Decode(strings.TrimPrefix(header, bearerPrefix))
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return r.deny(ctx, d, ReasonTokenExpired), nil
		}
		return r.deny(ctx, d, ReasonTokenInvalid), nil
	}

	d.Subject = claims.Subject()
	if d.Subject == "" {
		return r.deny(ctx, d, ReasonMissingSubject), nil
	}

	user, found, err := r.dir.FindUserByUsername(ctx, d.Subject)
	if err != nil {
		return r.fail(ctx, d, "find user", err)
	}
	if !found {
		return r.deny(ctx, d, ReasonUnknownUser), nil
	}
	d.UserID = user.ID
	if !user.Active() {
		return r.deny(ctx, d, ReasonInactiveUser), nil
	}

	bindings, err := r.dir.FindUserRoles(ctx, user.ID)
	if err != nil {
		return r.fail(ctx, d, "find user roles", err)
	}
	for _, b := range bindings {
		if b.RoleID == AdminRoleID {
			return r.allow(ctx, d, ReasonAdminBypass), nil
		}
	}

	role, found, err := r.dir.FindRoleByName(ctx, requiredRole)
	if err != nil {
		return r.fail(ctx, d, "find role", err)
	}
	if !found {
		return r.deny(ctx, d, ReasonUnknownRole), nil
	}
	for _, b := range bindings {
		if b.RoleID == role.ID {
			return r.allow(ctx, d, ReasonRoleGranted), nil
		}
	}
	return r.deny(ctx, d, ReasonRoleNotHeld), nil
}

func (r *Resolver) allow(ctx context.Context, d Decision, reason Reason) Decision {
	d.Allowed = true
	d.Reason = reason
	r.observe(ctx, "authz.allow", decisionFields(d))
	return d
}

func (r *Resolver) deny(ctx context.Context, d Decision, reason Reason) Decision {
	d.Allowed = false
	d.Reason = reason
	r.observe(ctx, "authz.deny", decisionFields(d))
	return d
}

func (r *Resolver) fail(ctx context.Context, d Decision, op string, err error) (Decision, error) {
	fields := decisionFields(d)
	fields["error"] = err.Error()
	r.observe(ctx, "authz.error", fields)
	return Decision{Required: d.Required, Subject: d.Subject}, fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

func decisionFields(d Decision) map[string]any {
	fields := map[string]any{
		"reason":        string(d.Reason),
		"required_role": d.Required,
	}
	if d.Subject != "" {
		fields["subject"] = d.Subject
	}
	if d.UserID != 0 {
		fields["user_id"] = d.UserID
	}
	return fields
}
