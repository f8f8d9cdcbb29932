package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"tellbrandz/appeal"
	"tellbrandz/auth"
	"tellbrandz/brand"
	"tellbrandz/notification"
	"tellbrandz/resolution"
	"tellbrandz/tell"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Retryable: retryable})
}

// decodeJSON reads a size-limited JSON body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps domain errors to HTTP responses. Anything unmapped
// is logged and reported as a 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, code, "internal server error", false)
		return
	}
	writeError(w, status, code, err.Error(), resolution.Retryable(err))
}

func classify(err error) (int, string) {
	switch code := resolution.Code(err); code {
	case "unauthorized":
		return http.StatusForbidden, code
	case "invalid_state", "concurrency_conflict":
		return http.StatusConflict, code
	case "not_eligible", "validation_error":
		return http.StatusBadRequest, code
	case "external_dependency_failure":
		return http.StatusBadGateway, code
	case "not_found":
		return http.StatusNotFound, code
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, brand.ErrInvalidInput), errors.Is(err, tell.ErrInvalidInput),
		errors.Is(err, tell.ErrUnknownBrand), errors.Is(err, notification.ErrInvalidInput),
		errors.Is(err, appeal.ErrInvalidInput):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, brand.ErrDuplicateName):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, appeal.ErrAlreadyOpen), errors.Is(err, appeal.ErrBadStatus), errors.Is(err, appeal.ErrNotHidden):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, appeal.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, brand.ErrNotFound),
		errors.Is(err, brand.ErrUnknownMember), errors.Is(err, tell.ErrNotFound),
		errors.Is(err, notification.ErrNotFound), errors.Is(err, appeal.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
