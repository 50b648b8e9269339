package handlers

import (
	"context"
	"net/http"
)

type chatRequest struct {
	Provider string `json:"provider"`
	Prompt   string `json:"prompt"`
	Cwd      string `json:"cwd,omitempty"`
}

// SendChat replaces any running chat. Output arrives on the event stream.
func (a *API) SendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "provider and prompt are required")
		return
	}
	// The run outlives the request.
	if err := a.Chat.Send(context.WithoutCancel(r.Context()), req.Provider, req.Prompt, req.Cwd); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"provider": req.Provider})
}

func (a *API) StopChat(w http.ResponseWriter, r *http.Request) {
	a.Chat.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ChatStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"active": a.Chat.Active()})
}
