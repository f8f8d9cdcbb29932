package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"tellbrandz/appeal"
	"tellbrandz/auth"
	"tellbrandz/notification"
)

type notificationResponse struct {
	ID        string  `json:"id"`
	TellID    *string `json:"tellId,omitempty"`
	Message   string  `json:"message"`
	Read      bool    `json:"read"`
	CreatedAt string  `json:"createdAt"`
}

type appealResponse struct {
	ID         string  `json:"id"`
	TellID     string  `json:"tellId"`
	AuthorID   string  `json:"authorId"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

type createAppealRequest struct {
	TellID string `json:"tellId"`
	Reason string `json:"reason"`
}

type resolveAppealRequest struct {
	Status string `json:"status"`
}

func toNotificationResponse(n notification.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		TellID:    n.TellID,
		Message:   n.Message,
		Read:      n.Read(),
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toAppealResponse(rec appeal.Record) appealResponse {
	resp := appealResponse{
		ID:        rec.ID,
		TellID:    rec.TellID,
		AuthorID:  rec.AuthorID,
		Reason:    rec.Reason,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		v := rec.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &v
	}
	return resp
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid limit", false)
			return
		}
		limit = n
	}
	items, err := s.notificationService.List(r.Context(), userIDFromContext(r.Context()), q.Get("unread") == "true", limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notificationService.MarkRead(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationResponse(n))
}

func (s *Server) handleAppeals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		records, err := s.appealService.List(ctx, userIDFromContext(ctx), roleFromContext(ctx) == auth.RoleAdmin, appeal.Status(r.URL.Query().Get("status")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		items := make([]appealResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toAppealResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createAppealRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
			return
		}
		rec, err := s.appealService.Create(ctx, userIDFromContext(ctx), req.TellID, req.Reason)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppealResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", false)
	}
}

func (s *Server) handleAppealDetail(w http.ResponseWriter, r *http.Request) {
	var req resolveAppealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
		return
	}
	var upheld bool
	switch appeal.Status(req.Status) {
	case appeal.StatusUpheld:
		upheld = true
	case appeal.StatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "validation_error", "status must be upheld or rejected", false)
		return
	}

	ctx := r.Context()
	rec, err := s.appealService.Resolve(ctx, appeal.ResolveParams{
		ReviewerID: userIDFromContext(ctx),
		Admin:      roleFromContext(ctx) == auth.RoleAdmin,
		AppealID:   mux.Vars(r)["id"],
		Upheld:     upheld,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppealResponse(rec))
}
