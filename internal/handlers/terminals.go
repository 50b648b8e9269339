package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kodiq/kodiqd/internal/terminal"
)

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// sessionIO is the input side shared by local and SSH terminals.
type sessionIO interface {
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
}

func (a *API) ListTerminals(w http.ResponseWriter, r *http.Request) {
	list, err := a.Terminals.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) SpawnTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminal.SpawnOptions
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.Terminals.Spawn(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) WriteTerminal(w http.ResponseWriter, r *http.Request) {
	writeInput(w, r, a.Terminals)
}

func (a *API) ResizeTerminal(w http.ResponseWriter, r *http.Request) {
	resize(w, r, a.Terminals)
}

func (a *API) TerminalScrollback(w http.ResponseWriter, r *http.Request) {
	data, err := a.Terminals.Scrollback(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": strings.ToValidUTF8(string(data), "�")})
}

func (a *API) CloseTerminal(w http.ResponseWriter, r *http.Request) {
	if err := a.Terminals.Close(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeInput and resize answer 204 for unknown ids, matching the engines'
// no-op semantics.
func writeInput(w http.ResponseWriter, r *http.Request, s sessionIO) {
	var req inputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Write(chi.URLParam(r, "id"), []byte(req.Data)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func resize(w http.ResponseWriter, r *http.Request, s sessionIO) {
	var req resizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
