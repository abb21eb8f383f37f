package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"paddock.org/internal/riders"
	"paddock.org/internal/softdelete"
)

type createRiderRequest struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
}

func (a *API) handleCreateRider(w http.ResponseWriter, r *http.Request) {
	var req createRiderRequest
	if !a.decode(w, r, &req) {
		return
	}
	rider, err := a.riders.Create(r.Context(), caller(r), riders.CreateInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rider)
}

func (a *API) handleListRiders(w http.ResponseWriter, r *http.Request) {
	var opts []softdelete.Option
	if raw := r.URL.Query().Get("with_deleted"); raw != "" {
		withDeleted, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "with_deleted must be a boolean")
			return
		}
		if withDeleted {
			opts = append(opts, softdelete.WithDeleted())
		}
	}
	list, err := a.riders.List(r.Context(), caller(r), opts...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*riders.Rider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": list})
}

func (a *API) handleGetRider(w http.ResponseWriter, r *http.Request) {
	rider, err := a.riders.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

func (a *API) handleDeleteRider(w http.ResponseWriter, r *http.Request) {
	if err := a.riders.Delete(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRestoreRider(w http.ResponseWriter, r *http.Request) {
	rider, err := a.riders.Restore(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}
