package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"ums.dev/internal/auth"
)

type updateUserRequest struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Password  *string `json:"password"`
}

type assignRoleRequest struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

type assignRoleResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
	RoleID  int64  `json:"role_id"`
	Created bool   `json:"created"`
}

type createRoleRequest struct {
	Name        string `json:"role_name"`
	Description string `json:"description"`
}

type createPermissionRequest struct {
	Name string `json:"permission_name"`
}

type grantPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Register(r.Context(), req.input())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/users/%d", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.UpdateUser(r.Context(), id, auth.UserUpdate{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	perms, err := a.svc.PermissionsForUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "permissions": perms})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 || req.RoleID <= 0 {
		writeError(w, r, http.StatusBadRequest, "user_id and role_id are required")
		return
	}
	res, err := a.svc.AssignRole(r.Context(), req.UserID, req.RoleID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	msg := "Role already has been assigned!"
	if res.Created {
		msg = fmt.Sprintf("Role %s has been assigned to the user %s successfully!", res.Role.Name, res.User.Username)
	}
	writeJSON(w, http.StatusOK, assignRoleResponse{
		Message: msg,
		UserID:  res.User.ID,
		RoleID:  res.Role.ID,
		Created: res.Created,
	})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.CreatePermission(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleGrantPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req grantPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.GrantPermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBusinessAsset(w http.ResponseWriter, r *http.Request) {
	a.serveAsset(w, r, true)
}

func (a *API) handleMarketingAsset(w http.ResponseWriter, r *http.Request) {
	a.serveAsset(w, r, false)
}

func (a *API) serveAsset(w http.ResponseWriter, r *http.Request, secret bool) {
	asset, err := a.svc.Asset(r.Context(), secret)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}
