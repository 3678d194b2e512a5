package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/pkg/compliance"
)

func (s *Server) api(r *http.Request) checker.Upstream {
	return s.upstream(tokenFrom(r.Context()))
}

func (s *Server) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.api(r).ListOrganizations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	if org == "" {
		badRequest(w, "org slug missing from request")
		return
	}
	members, err := s.api(r).ListOrganizationMembers(r.Context(), org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.api(r).ListProjects(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.api(r).GetBackupConfig(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		badRequest(w, "query not provided")
		return
	}
	rows, err := s.api(r).RunQuery(r.Context(), chi.URLParam(r, "ref"), body.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(rows) == 0 {
		rows = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) enableRLS(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid json body")
		return
	}
	// non-string values count as missing so Validate reports the field
	req := checker.EnableRLSRequest{
		Table:  stringField(body, "table"),
		Schema: stringField(body, "schema"),
		Org:    stringField(body, "org"),
	}
	if err := s.checker.EnableRLS(r.Context(), s.api(r), chi.URLParam(r, "ref"), req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func stringField(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func (s *Server) projectCompliance(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Projects(r.Context(), s.api(r), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) tableCompliance(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Tables(r.Context(), s.api(r), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) userCompliance(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Users(r.Context(), s.api(r), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) complianceLogs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("resource")
	if raw == "" {
		badRequest(w, "resource not provided")
		return
	}
	kind, err := compliance.ParseKind(raw)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	logs, err := s.checker.Logs(r.Context(), s.api(r), chi.URLParam(r, "slug"), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
