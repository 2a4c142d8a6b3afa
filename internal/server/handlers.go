package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tinybase/tinybase/internal/engine"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// collectionRequest is the define-collection body. Fields decode through the
// schema package's wire form, so defaults are coerced against their kind.
type collectionRequest struct {
	Name   string         `json:"name"`
	Fields []schema.Field `json:"fields"`
	Rules  schema.RuleSet `json:"rules"`
}

// alterRequest is the alter-collection body.
type alterRequest struct {
	Add      []schema.Field  `json:"add"`
	Remove   []string        `json:"remove"`
	Replace  []schema.Field  `json:"replace"`
	Rules    *schema.RuleSet `json:"rules"`
	Backfill map[string]any  `json:"backfill"`
}

func (s *Server) handleDefineCollection(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	var req collectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	col, err := s.engine.DefineCollection(r.Context(), ses, registry.Definition{
		Name:   req.Name,
		Fields: req.Fields,
		Rules:  req.Rules,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	cols, err := s.engine.Collections(ses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cols})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	col, err := s.engine.Collection(ses, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleAlterCollection(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	var req alterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	col, err := s.engine.AlterCollection(r.Context(), ses, mux.Vars(r)["name"], registry.Diff{
		Add:      req.Add,
		Remove:   req.Remove,
		Replace:  req.Replace,
		Rules:    req.Rules,
		Backfill: req.Backfill,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	if err := s.engine.DeleteCollection(r.Context(), ses, mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.engine.Create(r.Context(), ses, mux.Vars(r)["name"], body, expandParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	q := r.URL.Query()

	limit := s.pageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := s.engine.List(r.Context(), ses, mux.Vars(r)["name"], engine.ListRequest{
		Filter: q.Get("filter"),
		Sort:   q.Get("sort"),
		Cursor: q.Get("cursor"),
		Limit:  limit,
		Expand: expandParam(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{"items": page.Items}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViewRecord(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	vars := mux.Vars(r)
	rec, err := s.engine.View(r.Context(), ses, vars["name"], vars["id"], expandParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	rec, err := s.engine.Update(r.Context(), ses, vars["name"], vars["id"], body, expandParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	vars := mux.Vars(r)
	if err := s.engine.Delete(r.Context(), ses, vars["name"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func expandParam(r *http.Request) []string {
	raw := r.URL.Query().Get("expand")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
