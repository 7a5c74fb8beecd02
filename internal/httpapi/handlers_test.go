package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"ums.dev/internal/auth"
	"ums.dev/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	svc     *auth.Service
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	return newTestAPIWithOptions(t, Options{Version: "test", RateBurst: 100, RatePerSec: 100})
}

func newTestAPIWithOptions(t *testing.T, opts Options) *apiClient {
	t.Helper()

	hasher, err := auth.NewHasher(auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	codec, err := auth.NewTokenCodec("http-test-secret")
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	svc, err := auth.NewService(memory.NewSeeded(), hasher, codec, auth.WithObserver(Observer()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(svc, opts)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		svc:     svc,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) register(username, password string) auth.User {
	c.t.Helper()
	resp := c.post("/users/v1/register", map[string]any{
		"username": username,
		"password": password,
		"email":    username + "@example.com",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		c.t.Fatalf("unexpected register status: %d", resp.StatusCode)
	}
	return decode[auth.User](c.t, resp)
}

func (c *apiClient) login(username, password string) string {
	c.t.Helper()
	resp := c.post("/users/v1/login", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	payload := decode[auth.IssuedToken](c.t, resp)
	if payload.AccessToken == "" || payload.TokenType != "bearer" {
		c.t.Fatalf("unexpected token payload: %+v", payload)
	}
	return payload.AccessToken
}

// adminToken seeds a superuser and logs in as it.
func (c *apiClient) adminToken() string {
	c.t.Helper()
	_, err := c.svc.SeedSuperuser(context.Background(), auth.RegisterInput{Username: "root", Password: "root-pass"})
	if err != nil {
		c.t.Fatalf("SeedSuperuser: %v", err)
	}
	return c.login("root", "root-pass")
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d (%v)", want, resp.StatusCode, body)
	}
	return body
}

func TestAliceGainsAccessWithoutNewToken(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminToken()

	alice := api.register("alice", "wonderland")
	token := api.login("alice", "wonderland")

	body := expectStatus(t, api.get("/assets/v1/business", bearerHeader(token)), http.StatusForbidden)
	if body["error"] != "Access denied!" {
		t.Fatalf("unexpected forbidden body: %v", body)
	}

	resp := api.post("/assign_role", map[string]any{"user_id": alice.ID, "role_id": auth.AdminRoleID}, bearerHeader(admin))
	assigned := decode[assignRoleResponse](t, resp)
	if resp.StatusCode != http.StatusOK || !assigned.Created {
		t.Fatalf("unexpected assignment: %d %+v", resp.StatusCode, assigned)
	}

	asset := decode[auth.Asset](t, api.get("/assets/v1/business", bearerHeader(token)))
	if !asset.IsSecret || asset.Content == "" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	// admin bypass covers staff routes too
	expectStatus(t, api.get("/assets/v1/marketing", bearerHeader(token)), http.StatusOK)

	resp = api.post("/assign_role", map[string]any{"user_id": alice.ID, "role_id": auth.AdminRoleID}, bearerHeader(admin))
	again := decode[assignRoleResponse](t, resp)
	if again.Created || again.Message != "Role already has been assigned!" {
		t.Fatalf("expected idempotent assignment, got %+v", again)
	}
}

func TestGateIdentityFailuresAre401(t *testing.T) {
	api := newTestAPI(t)
	api.register("bob", "builder")
	token := api.login("bob", "builder")

	cases := map[string]map[string]string{
		"missing":  nil,
		"garbage":  bearerHeader("not-a-token"),
		"tampered": bearerHeader(token + "x"),
	}
	for name, headers := range cases {
		resp := api.get("/assets/v1/marketing", headers)
		if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("%s: expected WWW-Authenticate Bearer, got %q", name, got)
		}
		body := expectStatus(t, resp, http.StatusUnauthorized)
		if body["error"] != msgUnauthenticated {
			t.Fatalf("%s: unexpected body %v", name, body)
		}
	}
}

func TestStaffRoleGrantsMarketingOnly(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminToken()
	carol := api.register("carol", "pw")
	token := api.login("carol", "pw")

	expectStatus(t, api.get("/assets/v1/marketing", bearerHeader(token)), http.StatusForbidden)

	expectStatus(t, api.post("/assign_role", map[string]any{"user_id": carol.ID, "role_id": 2}, bearerHeader(admin)), http.StatusOK)

	asset := decode[auth.Asset](t, api.get("/assets/v1/marketing", bearerHeader(token)))
	if asset.IsSecret {
		t.Fatalf("marketing route returned a secret asset")
	}
	expectStatus(t, api.get("/assets/v1/business", bearerHeader(token)), http.StatusForbidden)
}

func TestRegisterAndLoginErrors(t *testing.T) {
	api := newTestAPI(t)
	api.register("dave", "pw")

	expectStatus(t, api.post("/users/v1/register", map[string]any{"username": "dave", "password": "x"}, nil), http.StatusConflict)
	expectStatus(t, api.post("/users/v1/register", map[string]any{"username": "", "password": "x"}, nil), http.StatusBadRequest)
	expectStatus(t, api.post("/users/v1/register", map[string]any{"username": "eve", "password": "x", "role": "admin"}, nil), http.StatusBadRequest)

	wrong := expectStatus(t, api.post("/users/v1/login", map[string]any{"username": "dave", "password": "nope"}, nil), http.StatusUnauthorized)
	unknown := expectStatus(t, api.post("/users/v1/login", map[string]any{"username": "ghost", "password": "nope"}, nil), http.StatusUnauthorized)
	if wrong["error"] != msgBadCredentials || unknown["error"] != msgBadCredentials {
		t.Fatalf("credential failures must look alike: %v vs %v", wrong, unknown)
	}
}

func TestLoginAcceptsForm(t *testing.T) {
	api := newTestAPI(t)
	api.register("frank", "pw")

	form := url.Values{"username": {"frank"}, "password": {"pw"}}
	resp, err := api.client.Post(api.baseURL+"/users/v1/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	tok := decode[auth.IssuedToken](t, resp)
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		t.Fatalf("unexpected form login: %d %+v", resp.StatusCode, tok)
	}
}

func TestUserLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminToken()
	h := bearerHeader(admin)

	resp := api.post("/users/create", map[string]any{"username": "gina", "password": "pw", "first_name": "Gina"}, h)
	if resp.Header.Get("Location") == "" {
		t.Fatalf("expected Location header")
	}
	created := decode[map[string]any](t, resp)
	if _, leaked := created["password_hash"]; leaked {
		t.Fatalf("password hash leaked: %v", created)
	}
	id := int64(created["user_id"].(float64))
	path := fmt.Sprintf("/users/%d", id)

	got := decode[auth.User](t, api.get(path, h))
	if got.Username != "gina" || got.FirstName != "Gina" {
		t.Fatalf("unexpected user: %+v", got)
	}

	updated := decode[auth.User](t, api.do(http.MethodPut, path, map[string]any{"last_name": "Lee", "email": "gina@example.com"}, h))
	if updated.LastName != "Lee" || updated.FirstName != "Gina" || updated.Email != "gina@example.com" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	expectStatus(t, api.do(http.MethodPut, path, map[string]any{"email": "broken"}, h), http.StatusBadRequest)

	token := api.login("gina", "pw")

	resp = api.do(http.MethodDelete, path, nil, h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectStatus(t, api.get(path, h), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodDelete, path, nil, h), http.StatusNotFound)
	expectStatus(t, api.get("/assets/v1/marketing", bearerHeader(token)), http.StatusUnauthorized)
	expectStatus(t, api.post("/users/v1/login", map[string]any{"username": "gina", "password": "pw"}, nil), http.StatusUnauthorized)

	expectStatus(t, api.get("/users/abc", h), http.StatusBadRequest)
	expectStatus(t, api.get("/users/999", h), http.StatusNotFound)
}

func TestRolesAndPermissions(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminToken()
	h := bearerHeader(admin)

	role := decode[auth.Role](t, api.post("/roles", map[string]any{"role_name": "auditor", "description": "reads logs"}, h))
	if role.ID == 0 || role.Name != "auditor" {
		t.Fatalf("unexpected role: %+v", role)
	}
	expectStatus(t, api.post("/roles", map[string]any{"role_name": "auditor"}, h), http.StatusConflict)

	roles := decode[[]auth.Role](t, api.get("/roles", h))
	if len(roles) != 3 || roles[0].ID != auth.AdminRoleID {
		t.Fatalf("unexpected roles: %+v", roles)
	}

	perm := decode[auth.Permission](t, api.post("/permissions", map[string]any{"permission_name": "logs.read"}, h))
	expectStatus(t, api.post("/permissions", map[string]any{"permission_name": "logs.read"}, h), http.StatusConflict)

	resp := api.do(http.MethodPut, fmt.Sprintf("/roles/%d/permissions", role.ID), map[string]any{"permission_ids": []int64{perm.ID}}, h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectStatus(t, api.do(http.MethodPut, fmt.Sprintf("/roles/%d/permissions", role.ID), map[string]any{"permission_ids": []int64{404}}, h), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPut, "/roles/99/permissions", map[string]any{"permission_ids": []int64{perm.ID}}, h), http.StatusNotFound)

	hank := api.register("hank", "pw")
	expectStatus(t, api.post("/assign_role", map[string]any{"user_id": hank.ID, "role_id": role.ID}, h), http.StatusOK)
	expectStatus(t, api.post("/assign_role", map[string]any{"user_id": hank.ID, "role_id": 99}, h), http.StatusNotFound)
	expectStatus(t, api.post("/assign_role", map[string]any{"user_id": 999, "role_id": role.ID}, h), http.StatusNotFound)
	expectStatus(t, api.post("/assign_role", map[string]any{"user_id": hank.ID}, h), http.StatusBadRequest)

	body := expectStatus(t, api.get(fmt.Sprintf("/users/%d/permissions", hank.ID), h), http.StatusOK)
	perms, _ := body["permissions"].([]any)
	if len(perms) != 1 {
		t.Fatalf("unexpected permissions: %v", body)
	}
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	api := newTestAPI(t)
	api.register("ivan", "pw")
	token := api.login("ivan", "pw")

	expectStatus(t, api.get("/roles", bearerHeader(token)), http.StatusForbidden)
	expectStatus(t, api.post("/users/create", map[string]any{"username": "x", "password": "y"}, bearerHeader(token)), http.StatusForbidden)
	expectStatus(t, api.get("/roles", nil), http.StatusUnauthorized)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/healthcheck"} {
		body := expectStatus(t, api.get(path, nil), http.StatusOK)
		if body["status"] != "ok" || body["version"] != "test" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}
	body := expectStatus(t, api.get("/readyz", nil), http.StatusOK)
	if body["status"] != "ready" {
		t.Fatalf("unexpected ready body: %v", body)
	}
	resp := api.get("/metrics", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	api := newTestAPIWithOptions(t, Options{RateBurst: 2, RatePerSec: 0.01})
	for i := 0; i < 2; i++ {
		expectStatus(t, api.post("/users/v1/login", map[string]any{"username": "x", "password": "y"}, nil), http.StatusUnauthorized)
	}
	resp := api.post("/users/v1/login", map[string]any{"username": "x", "password": "y"}, nil)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectStatus(t, resp, http.StatusTooManyRequests)
}

func TestBodyLimit(t *testing.T) {
	api := newTestAPIWithOptions(t, Options{MaxBodyBytes: 64, RateBurst: 10, RatePerSec: 10})
	big := map[string]any{"username": strings.Repeat("a", 200), "password": "pw"}
	body := expectStatus(t, api.post("/users/v1/register", big, nil), http.StatusBadRequest)
	if body["error"] != "request body too large" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/users/v1/login", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type failingStore struct {
	*memory.Store
}

func (failingStore) FindUserByUsername(context.Context, string) (auth.User, bool, error) {
	return auth.User{}, false, fmt.Errorf("connection refused")
}

func (failingStore) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestStoreOutageMapsTo503(t *testing.T) {
	hasher, _ := auth.NewHasher(auth.WithBcryptCost(bcrypt.MinCost))
	codec, _ := auth.NewTokenCodec("outage-secret")
	svc, err := auth.NewService(failingStore{memory.NewSeeded()}, hasher, codec)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	token, _, err := codec.Issue(auth.Claims{"sub": "alice"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h := New(svc, Options{}).Handler()

	cases := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"gate", httptest.NewRequest(http.MethodGet, "/assets/v1/business", nil), msgUnavailable},
		{"login", httptest.NewRequest(http.MethodPost, "/users/v1/login", strings.NewReader(`{"username":"a","password":"b"}`)), "service unavailable"},
		{"ready", httptest.NewRequest(http.MethodGet, "/readyz", nil), "not ready"},
	}
	for _, tc := range cases {
		tc.req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, tc.req)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", tc.name, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if body["error"] != tc.want || body["request_id"] == nil {
			t.Fatalf("%s: unexpected body %v", tc.name, body)
		}
	}
}
