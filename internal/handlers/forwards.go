package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type forwardRequest struct {
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

func (a *API) StartForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.Forwards.Start(r.Context(), chi.URLParam(r, "id"), req.LocalPort, req.RemoteHost, req.RemotePort)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) ListForwards(w http.ResponseWriter, r *http.Request) {
	list, err := a.Forwards.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) StopForward(w http.ResponseWriter, r *http.Request) {
	if err := a.Forwards.Stop(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
