package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kodiq/kodiqd/internal/database"
)

func ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := database.ListProfiles()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := database.GetProfile(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func SaveProfile(w http.ResponseWriter, r *http.Request) {
	var p database.SSHProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := database.SaveProfile(&p); err != nil {
		writeErr(w, err)
		return
	}
	saved, err := database.GetProfile(p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteProfile(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportProfiles reads a YAML profile file from the request body.
func ImportProfiles(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	res, err := database.ImportProfiles(body)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := database.ListForwardRules(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func SaveRule(w http.ResponseWriter, r *http.Request) {
	var rule database.PortForwardRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ConnectionID = chi.URLParam(r, "id")
	if err := database.SaveForwardRule(&rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteForwardRule(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
