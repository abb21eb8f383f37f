package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"paddock.org/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type loginRequest struct {
	Email          string `json:"email" validate:"required,max=254"`
	Password       string `json:"password" validate:"required,max=72"`
	OrganizationID string `json:"organization_id" validate:"omitempty,len=26"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type switchRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,len=26"`
}

type sessionResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	TokenType        string          `json:"token_type"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at"`
	User             *auth.User      `json:"user"`
	OrganizationID   string          `json:"organization_id,omitempty"`
	Roles            []auth.RoleName `json:"roles"`
	Permissions      []string        `json:"permissions"`
}

func newSessionResponse(sess *auth.Session) sessionResponse {
	out := sessionResponse{
		AccessToken:      sess.AccessToken,
		RefreshToken:     sess.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        sess.AccessExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		User:             sess.User,
		Roles:            []auth.RoleName{},
		Permissions:      []string{},
	}
	if res := sess.Resolution; res != nil {
		out.OrganizationID = res.OrganizationID()
		if res.Roles != nil {
			out.Roles = res.Roles
		}
		if res.Permissions != nil {
			out.Permissions = res.Permissions
		}
	}
	return out
}

type meResponse struct {
	User                  *auth.User       `json:"user"`
	Membership            *auth.Membership `json:"membership,omitempty"`
	TenantBound           bool             `json:"tenant_bound"`
	Roles                 []auth.RoleName  `json:"roles"`
	Permissions           []string         `json:"permissions"`
	CanCreateOrganization bool             `json:"can_create_organization"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	user, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.auth.Login(r.Context(), auth.LoginInput{
		Email:          req.Email,
		Password:       req.Password,
		OrganizationID: req.OrganizationID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// refreshSecret reads the refresh token from its cookie, falling back to a
// JSON body for non-browser clients.
func refreshSecret(r *http.Request) string {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value
	}
	var req refreshRequest
	if r.Body != nil && json.NewDecoder(r.Body).Decode(&req) == nil {
		return req.RefreshToken
	}
	return ""
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	secret := refreshSecret(r)
	if secret == "" {
		a.clearSessionCookies(w)
		a.fail(w, r, auth.ErrInvalidToken)
		return
	}
	sess, err := a.auth.Refresh(r.Context(), secret)
	if err != nil {
		if auth.IsUnauthenticated(err) {
			a.clearSessionCookies(w)
		}
		a.fail(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if secret := refreshSecret(r); secret != "" {
		if err := a.auth.Logout(r.Context(), secret); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	a.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.auth.LogoutAll(r.Context(), caller(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	rc := caller(r)
	user, err := a.auth.User(r.Context(), rc.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	roles := rc.Roles
	if roles == nil {
		roles = []auth.RoleName{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:                  user,
		Membership:            rc.Membership,
		TenantBound:           rc.TenantBound,
		Roles:                 roles,
		Permissions:           rc.PermissionList(),
		CanCreateOrganization: rc.CanCreateOrganization(),
	})
}

func (a *API) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.auth.SwitchOrganization(r.Context(), caller(r), req.OrganizationID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}
