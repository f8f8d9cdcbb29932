package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tellbrandz/auth"
	"tellbrandz/brand"
)

type brandResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Verified       bool   `json:"verified"`
	PaidResolution bool   `json:"paidResolution"`
	ResolutionFee  int64  `json:"resolutionFee"`
	Currency       string `json:"currency"`
	CreatedAt      string `json:"createdAt"`
}

type createBrandRequest struct {
	Name           string `json:"name"`
	Verified       bool   `json:"verified"`
	PaidResolution bool   `json:"paidResolution"`
	ResolutionFee  int64  `json:"resolutionFee"`
	Currency       string `json:"currency"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

func toBrandResponse(p brand.Profile) brandResponse {
	return brandResponse{
		ID:             p.ID,
		Name:           p.Name,
		Verified:       p.Verified,
		PaidResolution: p.Policy.Paid,
		ResolutionFee:  p.Policy.Fee,
		Currency:       p.Policy.Currency,
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleBrands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "validation_error", "invalid limit", false)
				return
			}
			limit = n
		}
		profiles, err := s.brandService.List(r.Context(), limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		items := make([]brandResponse, 0, len(profiles))
		for _, p := range profiles {
			items = append(items, toBrandResponse(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	case http.MethodPost:
		if roleFromContext(r.Context()) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden", "only admins can register brands", false)
			return
		}
		var req createBrandRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
			return
		}
		profile, err := s.brandService.Create(r.Context(), brand.CreateParams{
			Name:     req.Name,
			Verified: req.Verified,
			Policy: brand.ResolutionPolicy{
				Paid:     req.PaidResolution,
				Fee:      req.ResolutionFee,
				Currency: req.Currency,
			},
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBrandResponse(profile))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", false)
	}
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "brand id required", false)
		return
	}
	profile, err := s.brandService.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBrandResponse(profile))
}

func (s *Server) handleAddBrandMember(w http.ResponseWriter, r *http.Request) {
	if roleFromContext(r.Context()) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "only admins can add representatives", false)
		return
	}
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
		return
	}
	if err := s.brandService.AddMember(r.Context(), mux.Vars(r)["id"], req.UserID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
