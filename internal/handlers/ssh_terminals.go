package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (a *API) SpawnSSHTerminal(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.SSHTerminals.Spawn(r.Context(), chi.URLParam(r, "id"), req.Cols, req.Rows)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) ListSSHTerminals(w http.ResponseWriter, r *http.Request) {
	list, err := a.SSHTerminals.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) WriteSSHTerminal(w http.ResponseWriter, r *http.Request) {
	writeInput(w, r, a.SSHTerminals)
}

func (a *API) ResizeSSHTerminal(w http.ResponseWriter, r *http.Request) {
	resize(w, r, a.SSHTerminals)
}

func (a *API) SSHTerminalScrollback(w http.ResponseWriter, r *http.Request) {
	data, err := a.SSHTerminals.Scrollback(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": strings.ToValidUTF8(string(data), "�")})
}

func (a *API) CloseSSHTerminal(w http.ResponseWriter, r *http.Request) {
	if err := a.SSHTerminals.Close(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
