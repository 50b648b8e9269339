package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kodiq/kodiqd/internal/database"
	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/sshmanager"
)

// connectRequest names either a saved profile or an inline config. The
// secret is a password or key passphrase and is never stored.
type connectRequest struct {
	ProfileID string                       `json:"profile_id,omitempty"`
	Config    *sshmanager.ConnectionConfig `json:"config,omitempty"`
	Secret    string                       `json:"secret,omitempty"`
}

func (req connectRequest) resolve() (sshmanager.ConnectionConfig, error) {
	if req.ProfileID != "" {
		p, err := database.GetProfile(req.ProfileID)
		if err != nil {
			return sshmanager.ConnectionConfig{}, err
		}
		return profileConfig(p), nil
	}
	if req.Config == nil {
		return sshmanager.ConnectionConfig{}, errors.New("profile_id or config is required")
	}
	return *req.Config, nil
}

func profileConfig(p *database.SSHProfile) sshmanager.ConnectionConfig {
	return sshmanager.ConnectionConfig{
		ID:             p.ID,
		Name:           p.Name,
		Host:           p.Host,
		Port:           p.Port,
		Username:       p.Username,
		AuthMethod:     sshmanager.AuthMethod(p.AuthMethod),
		PrivateKeyPath: p.PrivateKeyPath,
	}
}

func (a *API) ConnectSSH(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := req.resolve()
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := a.SSH.Connect(r.Context(), cfg, req.Secret)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (a *API) TestSSH(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := req.resolve()
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.SSH.Test(r.Context(), cfg, req.Secret); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) ListSSH(w http.ResponseWriter, r *http.Request) {
	list, err := a.SSH.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) GetSSH(w http.ResponseWriter, r *http.Request) {
	conn, err := a.SSH.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection": conn,
		"rate_limit": a.SSH.RateLimitStatus(conn.ID),
	})
}

// DisconnectSSH closes the transport. SSH terminals on it end when their
// channel reads fail. Forwards keep listening and drop accepted connections
// until the id reconnects, unless stop_forwards=true.
func (a *API) DisconnectSSH(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.SSH.Disconnect(id); err != nil {
		writeErr(w, err)
		return
	}
	if stop, _ := strconv.ParseBool(r.URL.Query().Get("stop_forwards")); stop {
		a.Forwards.StopConnection(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) SSHHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.SSH.History(chi.URLParam(r, "id")))
}

func (a *API) ExecSSH(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	out, err := a.SSH.RunCommand(r.Context(), chi.URLParam(r, "id"), req.Command)
	writeCommandResult(w, out, err)
}

func (a *API) GitSSH(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Args string `json:"args"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" || req.Args == "" {
		writeError(w, http.StatusBadRequest, "path and args are required")
		return
	}
	out, err := a.SSH.GitRun(r.Context(), chi.URLParam(r, "id"), req.Path, req.Args)
	writeCommandResult(w, out, err)
}

// writeCommandResult keeps partial output on a timeout.
func writeCommandResult(w http.ResponseWriter, out string, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"detail": err.Error(), "output": out})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}
