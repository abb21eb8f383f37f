package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paddock.org/internal/auth"
)

type createOrganizationRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type createOrganizationResponse struct {
	Organization *auth.Organization `json:"organization"`
	Session      sessionResponse    `json:"session"`
}

type addMemberRequest struct {
	Email     string   `json:"email" validate:"required,email,max=254"`
	FirstName string   `json:"first_name" validate:"max=100"`
	LastName  string   `json:"last_name" validate:"max=100"`
	Roles     []string `json:"roles" validate:"required,min=1,dive,required"`
}

type addMemberResponse struct {
	Membership *auth.Membership `json:"membership"`
	User       *auth.User       `json:"user"`
}

type overrideRequest struct {
	UserID     string `json:"user_id" validate:"required,len=26"`
	Permission string `json:"permission" validate:"required,max=100"`
	Allow      *bool  `json:"allow" validate:"required"`
}

type clearOverrideRequest struct {
	UserID     string `json:"user_id" validate:"required,len=26"`
	Permission string `json:"permission" validate:"required,max=100"`
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !a.decode(w, r, &req) {
		return
	}
	org, sess, err := a.auth.CreateOrganization(r.Context(), caller(r), req.Name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusCreated, createOrganizationResponse{
		Organization: org,
		Session:      newSessionResponse(sess),
	})
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !a.decode(w, r, &req) {
		return
	}
	roles := make([]auth.RoleName, 0, len(req.Roles))
	for _, role := range req.Roles {
		roles = append(roles, auth.RoleName(role))
	}
	m, user, err := a.auth.AddMember(r.Context(), caller(r), auth.AddMemberInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Roles:     roles,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addMemberResponse{Membership: m, User: user})
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.RemoveMember(r.Context(), caller(r), chi.URLParam(r, "userID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.auth.SetOverride(r.Context(), caller(r), req.UserID, req.Permission, *req.Allow); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	var req clearOverrideRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.auth.ClearOverride(r.Context(), caller(r), req.UserID, req.Permission); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
