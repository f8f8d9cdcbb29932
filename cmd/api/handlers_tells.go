package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tellbrandz/auth"
	"tellbrandz/tell"
)

type tellResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	BrandID         string `json:"brandId"`
	AuthorID        string `json:"authorId"`
	Kind            string `json:"kind"`
	ResolutionState string `json:"resolutionState"`
	Resolved        bool   `json:"resolved"`
	Hidden          bool   `json:"hidden"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

type createTellRequest struct {
	BrandID string `json:"brandId"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type visibilityRequest struct {
	Hidden *bool `json:"hidden"`
}

func toTellResponse(t tell.Tell) tellResponse {
	return tellResponse{
		ID:              t.ID,
		Title:           t.Title,
		Content:         t.Content,
		BrandID:         t.BrandID,
		AuthorID:        t.AuthorID,
		Kind:            string(t.Kind),
		ResolutionState: t.ResolutionState,
		Resolved:        t.ResolutionState == "completed",
		Hidden:          t.Hidden,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleTells(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTells(w, r)
	case http.MethodPost:
		s.handleCreateTell(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", false)
	}
}

func (s *Server) handleCreateTell(w http.ResponseWriter, r *http.Request) {
	if roleFromContext(r.Context()) != auth.RoleCustomer {
		writeError(w, http.StatusForbidden, "forbidden", "only customers can post tells", false)
		return
	}
	var req createTellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
		return
	}
	created, err := s.tellService.Create(r.Context(), tell.CreateParams{
		AuthorID: userIDFromContext(r.Context()),
		BrandID:  req.BrandID,
		Title:    req.Title,
		Content:  req.Content,
		Kind:     tell.Kind(req.Kind),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTellResponse(created))
}

func (s *Server) handleListTells(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := tell.Filters{
		BrandID:         q.Get("brandId"),
		AuthorID:        q.Get("authorId"),
		Kind:            tell.Kind(q.Get("kind")),
		ResolutionState: q.Get("resolutionState"),
		Query:           q.Get("q"),
		SortKey:         q.Get("sort"),
		SortOrder:       q.Get("order"),
	}
	if q.Get("includeHidden") == "true" && roleFromContext(r.Context()) == auth.RoleAdmin {
		filters.IncludeHidden = true
	}
	for name, dst := range map[string]*int{"page": &filters.Page, "pageSize": &filters.PageSize} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid "+name, false)
			return
		}
		*dst = n
	}

	result, err := s.tellService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]tellResponse, 0, len(result.Items))
	for _, t := range result.Items {
		items = append(items, toTellResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleTell(w http.ResponseWriter, r *http.Request) {
	t, err := s.visibleTell(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTellResponse(t))
}

func (s *Server) handleTellVisibility(w http.ResponseWriter, r *http.Request) {
	if roleFromContext(r.Context()) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "only admins can moderate tells", false)
		return
	}
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil || req.Hidden == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "hidden flag required", false)
		return
	}
	t, err := s.tellService.SetHidden(r.Context(), mux.Vars(r)["id"], *req.Hidden)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.log().Info("tell visibility changed",
		zap.String("tell_id", t.ID),
		zap.Bool("hidden", t.Hidden),
		zap.String("admin_id", userIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, toTellResponse(t))
}

// visibleTell loads the {id} tell as the caller may see it.
func (s *Server) visibleTell(r *http.Request) (tell.Tell, error) {
	ctx := r.Context()
	return s.tellService.GetVisible(ctx, mux.Vars(r)["id"], userIDFromContext(ctx), roleFromContext(ctx) == auth.RoleAdmin)
}
