package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kodiq/kodiqd/internal/chat"
	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/sshmanager"
	"github.com/kodiq/kodiqd/internal/sshterminal"
	"github.com/kodiq/kodiqd/internal/sshtunnel"
	"github.com/kodiq/kodiqd/internal/terminal"
)

// API serves the session engines over HTTP. Every field must be set.
type API struct {
	Terminals    *terminal.Manager
	SSH          *sshmanager.Manager
	SSHTerminals *sshterminal.Manager
	Forwards     *sshtunnel.Manager
	Chat         *chat.Runner
	Bus          *events.Bus
}

// Routes registers the /api/v1 endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/ws", a.EventsWS)

	r.Route("/terminals", func(r chi.Router) {
		r.Get("/", a.ListTerminals)
		r.Post("/", a.SpawnTerminal)
		r.Post("/{id}/input", a.WriteTerminal)
		r.Post("/{id}/resize", a.ResizeTerminal)
		r.Get("/{id}/scrollback", a.TerminalScrollback)
		r.Delete("/{id}", a.CloseTerminal)
	})

	r.Route("/ssh", func(r chi.Router) {
		r.Post("/test", a.TestSSH)
		r.Get("/connections", a.ListSSH)
		r.Post("/connections", a.ConnectSSH)
		r.Route("/connections/{id}", func(r chi.Router) {
			r.Get("/", a.GetSSH)
			r.Delete("/", a.DisconnectSSH)
			r.Get("/history", a.SSHHistory)
			r.Post("/exec", a.ExecSSH)
			r.Post("/git", a.GitSSH)
			r.Post("/terminals", a.SpawnSSHTerminal)
			r.Post("/forwards", a.StartForward)
		})

		r.Get("/terminals", a.ListSSHTerminals)
		r.Post("/terminals/{id}/input", a.WriteSSHTerminal)
		r.Post("/terminals/{id}/resize", a.ResizeSSHTerminal)
		r.Get("/terminals/{id}/scrollback", a.SSHTerminalScrollback)
		r.Delete("/terminals/{id}", a.CloseSSHTerminal)
	})

	r.Get("/forwards", a.ListForwards)
	r.Delete("/forwards/{id}", a.StopForward)

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", ListProfiles)
		r.Post("/", SaveProfile)
		r.Post("/import", ImportProfiles)
		r.Get("/{id}", GetProfile)
		r.Delete("/{id}", DeleteProfile)
		r.Get("/{id}/rules", ListRules)
		r.Post("/{id}/rules", SaveRule)
	})
	r.Delete("/rules/{id}", DeleteRule)

	r.Get("/chat", a.ChatStatus)
	r.Post("/chat", a.SendChat)
	r.Delete("/chat", a.StopChat)

	r.Get("/logs", GetServerLogs)
	r.Delete("/logs", ClearServerLogs)
}

// NotFound answers unknown API paths with a JSON error.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}
