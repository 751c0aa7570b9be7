package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/pkgstore"
)

type packageRequest struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

type packageList struct {
	Packages []pkgstore.Package `json:"packages"`
	Total    int                `json:"total"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// decodeBody reads a JSON body strictly. It writes the error response itself
// and reports false on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.validationError(w, r, "", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// inspect loads source into a throwaway executor and returns its gameId.
func (s *Server) inspect(source string) (string, error) {
	exec := executor.New(s.opts.Executor)
	defer exec.Unload()
	if res := exec.LoadCode(source); !res.Success {
		return "", res.Err()
	}
	return exec.GameID(), nil
}

func (s *Server) readPackage(w http.ResponseWriter, r *http.Request) (packageRequest, string, bool) {
	var req packageRequest
	if !s.decodeBody(w, r, &req) {
		return req, "", false
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.validationError(w, r, "name", "name is required")
		return req, "", false
	}
	if strings.TrimSpace(req.Source) == "" {
		s.validationError(w, r, "source", "source is required")
		return req, "", false
	}
	gameID, err := s.inspect(req.Source)
	if err != nil {
		s.handleError(w, r, err)
		return req, "", false
	}
	return req, gameID, true
}

// POST /api/v1/packages
func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	req, gameID, ok := s.readPackage(w, r)
	if !ok {
		return
	}

	p := &pkgstore.Package{ID: req.ID, Name: req.Name, GameID: gameID, Source: req.Source}
	if _, err := s.store.CreatePackage(p); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.security.LogAuditEvent(middleware.GetReqID(r.Context()), "package_create", p.ID, "success", map[string]interface{}{
		"game_id": gameID,
		"source":  req.Source,
	})

	out := *p
	out.Source = ""
	writeJSON(w, http.StatusCreated, out)
}

// PUT /api/v1/packages/{id}
func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, gameID, ok := s.readPackage(w, r)
	if !ok {
		return
	}
	if req.ID != "" && req.ID != id {
		s.validationError(w, r, "id", "id does not match the path")
		return
	}

	p := &pkgstore.Package{ID: id, Name: req.Name, GameID: gameID, Source: req.Source}
	if err := s.store.UpdatePackage(p); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.security.LogAuditEvent(middleware.GetReqID(r.Context()), "package_update", id, "success", map[string]interface{}{
		"game_id": gameID,
		"source":  req.Source,
	})

	updated, err := s.store.GetPackage(id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	updated.Source = ""
	writeJSON(w, http.StatusOK, updated)
}

// GET /api/v1/packages?limit=&offset=
func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clampInt(qInt(q.Get("limit"), 50), 1, 500)
	offset := max(qInt(q.Get("offset"), 0), 0)

	pkgs, total, err := s.store.ListPackages(limit, offset)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packageList{Packages: pkgs, Total: total, Limit: limit, Offset: offset})
}

// GET /api/v1/packages/{id}
func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPackage(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DELETE /api/v1/packages/{id}
func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, m := range s.registry.List() {
		if m.PackageID() == id {
			s.writeError(w, r, http.StatusConflict, NewError(CodeConflict, "package has live matches").WithField("id").Build())
			return
		}
	}
	if err := s.store.DeletePackage(id); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.security.LogAuditEvent(middleware.GetReqID(r.Context()), "package_delete", id, "success", nil)
	w.WriteHeader(http.StatusNoContent)
}

func qInt(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
