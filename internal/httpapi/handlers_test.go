package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddock.org/internal/auth"
	"paddock.org/internal/ids"
	"paddock.org/internal/ratelimit"
	"paddock.org/internal/riders"
	"paddock.org/internal/store/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiClient struct {
	baseURL string
	client  *http.Client
	codec   *auth.Codec
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	codec, err := auth.NewCodec(testSecret)
	require.NoError(t, err)
	store := memory.New()
	svc, err := auth.NewService(store, codec)
	require.NoError(t, err)
	require.NoError(t, svc.Seed(context.Background()))

	opts = append([]Option{WithLimiter(ratelimit.NewMemory(1000, time.Minute))}, opts...)
	api := New(svc, riders.NewService(store.Riders(), svc), opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), codec: codec, t: t}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (c *apiClient) register(email string) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": "correct-horse", "first_name": "Test", "last_name": "User",
	})
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
}

func (c *apiClient) login(email, orgID string) sessionResponse {
	c.t.Helper()
	body := map[string]string{"email": email, "password": "correct-horse"}
	if orgID != "" {
		body["organization_id"] = orgID
	}
	resp := c.do(http.MethodPost, "/api/auth/login", "", body)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return decodeBody[sessionResponse](c.t, resp)
}

// school registers an owner and onboards them into a new organization.
func (c *apiClient) school(email, name string) createOrganizationResponse {
	c.t.Helper()
	c.register(email)
	sess := c.login(email, "")
	resp := c.do(http.MethodPost, "/api/organizations", sess.AccessToken, map[string]string{"name": name})
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	return decodeBody[createOrganizationResponse](c.t, resp)
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp = c.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOnboardingFlow(t *testing.T) {
	c := newTestAPI(t)
	c.register("owner@example.com")

	sess := c.login("Owner@Example.com", "")
	assert.Empty(t, sess.OrganizationID)
	assert.Empty(t, sess.Permissions)

	me := c.do(http.MethodGet, "/api/auth/me", sess.AccessToken, nil)
	require.Equal(t, http.StatusOK, me.StatusCode)
	body := decodeBody[meResponse](t, me)
	assert.True(t, body.CanCreateOrganization)
	assert.False(t, body.TenantBound)

	resp := c.do(http.MethodGet, "/api/riders", sess.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/organizations", sess.AccessToken, map[string]string{"name": "Sunny Stables"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[createOrganizationResponse](t, resp)
	assert.Equal(t, "sunny-stables", created.Organization.Slug)
	assert.Equal(t, created.Organization.ID, created.Session.OrganizationID)
	assert.Contains(t, created.Session.Roles, auth.RoleAdmin)

	token := created.Session.AccessToken
	resp = c.do(http.MethodPost, "/api/riders", token, map[string]string{"first_name": "Ada", "last_name": "Byron"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rider := decodeBody[riders.Rider](t, resp)
	assert.Equal(t, created.Organization.ID, rider.OrganizationID)

	resp = c.do(http.MethodGet, "/api/riders", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[map[string][]riders.Rider](t, resp)
	assert.Len(t, list["riders"], 1)

	resp = c.do(http.MethodDelete, "/api/riders/"+rider.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodGet, "/api/riders/"+rider.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = c.do(http.MethodGet, "/api/riders?with_deleted=true", token, nil)
	list = decodeBody[map[string][]riders.Rider](t, resp)
	assert.Len(t, list["riders"], 1)
	resp = c.do(http.MethodPost, "/api/riders/"+rider.ID+"/restore", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a second organization is refused once the caller belongs to one
	resp = c.do(http.MethodPost, "/api/organizations", token, map[string]string{"name": "Other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// later logins bind the default organization
	again := c.login("owner@example.com", "")
	assert.Equal(t, created.Organization.ID, again.OrganizationID)
}

func TestRegisterDuplicateAndValidation(t *testing.T) {
	c := newTestAPI(t)
	c.register("dup@example.com")

	resp := c.do(http.MethodPost, "/api/auth/register", "", map[string]string{"email": "DUP@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/register", "", map[string]string{"email": "not-an-email", "password": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "email", body.Fields["email"])
	assert.Equal(t, "min", body.Fields["password"])

	resp = c.do(http.MethodPost, "/api/auth/register", "", map[string]any{"email": "a@example.com", "password": "correct-horse", "admin": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// within the character limit but over bcrypt's 72 bytes
	resp = c.do(http.MethodPost, "/api/auth/register", "", map[string]string{"email": "long@example.com", "password": strings.Repeat("é", 40)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody[errorBody](t, resp)
	assert.Contains(t, body.Error, "72 bytes")
}

func TestAuthenticationFailuresAreIndistinguishable(t *testing.T) {
	c := newTestAPI(t)
	c.register("user@example.com")

	past, err := auth.NewCodec(testSecret, auth.WithCodecClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	require.NoError(t, err)
	expired, _, err := past.Mint(ids.New(), "", nil, nil, time.Minute)
	require.NoError(t, err)

	cases := map[string]*http.Response{
		"wrong password": c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "user@example.com", "password": "wrong-password"}),
		"unknown user":   c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ghost@example.com", "password": "wrong-password"}),
		"no token":       c.do(http.MethodGet, "/api/auth/me", "", nil),
		"garbage token":  c.do(http.MethodGet, "/api/auth/me", "not.a.jwt", nil),
		"expired token":  c.do(http.MethodGet, "/api/auth/me", expired, nil),
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, map[string]string{"error": "not authenticated"}, decodeBody[map[string]string](t, resp))
		})
	}
}

func TestLoginRateLimited(t *testing.T) {
	c := newTestAPI(t, WithLimiter(ratelimit.NewMemory(5, time.Minute)))
	creds := map[string]string{"email": "user@example.com", "password": "wrong-password"}
	for i := 0; i < 5; i++ {
		resp := c.do(http.MethodPost, "/api/auth/login", "", creds)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
	resp := c.do(http.MethodPost, "/api/auth/login", "", creds)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// registration is counted separately
	resp = c.do(http.MethodPost, "/api/auth/register", "", map[string]string{"email": "new@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRefreshRotationAndReuse(t *testing.T) {
	c := newTestAPI(t)
	c.register("user@example.com")
	first := c.login("user@example.com", "")

	resp := c.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[sessionResponse](t, resp)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	var sawAccess, sawRefresh bool
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case accessCookie:
			sawAccess = ck.HttpOnly && ck.Path == "/"
		case refreshCookie:
			sawRefresh = ck.HttpOnly && ck.Path == refreshPath
		}
	}
	assert.True(t, sawAccess)
	assert.True(t, sawRefresh)

	resp = c.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := 0
	for _, ck := range resp.Cookies() {
		if (ck.Name == accessCookie || ck.Name == refreshCookie) && ck.MaxAge < 0 {
			cleared++
		}
	}
	assert.Equal(t, 2, cleared)

	resp = c.do(http.MethodPost, "/api/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// brokenTxStore fails every transaction after the session is opened.
type brokenTxStore struct {
	*memory.Store
	broken bool
}

func (s *brokenTxStore) WithTx(ctx context.Context, fn func(tx auth.Tx) error) error {
	if s.broken {
		return errors.New("connection reset")
	}
	return s.Store.WithTx(ctx, fn)
}

func TestRefreshStoreFailureKeepsCookies(t *testing.T) {
	codec, err := auth.NewCodec(testSecret)
	require.NoError(t, err)
	store := &brokenTxStore{Store: memory.New()}
	svc, err := auth.NewService(store, codec)
	require.NoError(t, err)
	require.NoError(t, svc.Seed(context.Background()))
	srv := httptest.NewServer(New(svc, riders.NewService(store.Riders(), svc)).Handler())
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, client: srv.Client(), codec: codec, t: t}

	c.register("user@example.com")
	sess := c.login("user@example.com", "")

	store.broken = true
	resp := c.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": sess.RefreshToken})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
}

func TestRefreshCookieFlow(t *testing.T) {
	c := newTestAPI(t)
	c.register("user@example.com")
	sess := c.login("user@example.com", "")

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: refreshCookie, Value: sess.RefreshToken})
	resp, err := c.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the access cookie authenticates without an Authorization header
	next := decodeBody[sessionResponse](t, resp)
	req, err = http.NewRequest(http.MethodGet, c.baseURL+"/api/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: accessCookie, Value: next.AccessToken})
	me, err := c.client.Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	assert.Equal(t, http.StatusOK, me.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/logout", "", map[string]string{"refresh_token": next.RefreshToken})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": next.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutAll(t *testing.T) {
	c := newTestAPI(t)
	c.register("user@example.com")
	a := c.login("user@example.com", "")
	b := c.login("user@example.com", "")

	resp := c.do(http.MethodPost, "/api/auth/logout-all", b.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decodeBody[map[string]int64](t, resp)["revoked"])

	resp = c.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": a.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCrossTenantAccess(t *testing.T) {
	c := newTestAPI(t)
	schoolA := c.school("a@example.com", "Alpha")
	schoolB := c.school("b@example.com", "Bravo")

	resp := c.do(http.MethodPost, "/api/riders", schoolB.Session.AccessToken, map[string]string{"first_name": "B", "last_name": "Rider"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	riderB := decodeBody[riders.Rider](t, resp)

	// other tenants' rows are invisible
	resp = c.do(http.MethodGet, "/api/riders/"+riderB.ID, schoolA.Session.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a validly signed token naming a foreign tenant is rejected
	forged, _, err := c.codec.Mint(schoolA.Session.User.ID, schoolB.Organization.ID, []auth.RoleName{auth.RoleAdmin}, nil, time.Minute)
	require.NoError(t, err)
	resp = c.do(http.MethodGet, "/api/riders", forged, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "correct-horse", "organization_id": schoolB.Organization.ID,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/switch", schoolA.Session.AccessToken, map[string]string{"organization_id": schoolB.Organization.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMembersAndPermissions(t *testing.T) {
	c := newTestAPI(t)
	owner := c.school("owner@example.com", "Stables")
	admin := owner.Session.AccessToken
	c.register("coach@example.com")

	resp := c.do(http.MethodPost, "/api/organizations/members", admin, map[string]any{
		"email": "coach@example.com", "roles": []string{"instructor"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	added := decodeBody[addMemberResponse](t, resp)
	assert.Equal(t, []auth.RoleName{auth.RoleInstructor}, added.Membership.Roles)

	coach := c.login("coach@example.com", "")
	assert.Equal(t, owner.Organization.ID, coach.OrganizationID)
	assert.Contains(t, coach.Permissions, auth.PermRidersView)

	resp = c.do(http.MethodPost, "/api/riders", coach.AccessToken, map[string]string{"first_name": "A", "last_name": "B"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, auth.PermRidersCreate, decodeBody[errorBody](t, resp).Permission)

	allow := true
	resp = c.do(http.MethodPut, "/api/organizations/overrides", admin, map[string]any{
		"user_id": coach.User.ID, "permission": auth.PermRidersCreate, "allow": allow,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	coach = c.login("coach@example.com", "")
	resp = c.do(http.MethodPost, "/api/riders", coach.AccessToken, map[string]string{"first_name": "A", "last_name": "B"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.do(http.MethodPut, "/api/organizations/overrides", admin, map[string]any{
		"user_id": coach.User.ID, "permission": auth.PermRidersCreate,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.do(http.MethodDelete, "/api/organizations/overrides", admin, map[string]any{
		"user_id": coach.User.ID, "permission": auth.PermRidersCreate,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.do(http.MethodDelete, "/api/organizations/members/"+coach.User.ID, admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the coach's tenant-bound token stops working at once
	resp = c.do(http.MethodGet, "/api/riders", coach.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
