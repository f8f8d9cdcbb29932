package main

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tellbrandz/payment"
	"tellbrandz/resolution"
)

const signatureHeader = "X-Paystack-Signature"

type caseResponse struct {
	TellID            string  `json:"tellId"`
	State             string  `json:"state"`
	Resolved          bool    `json:"resolved"`
	BrandResponseText *string `json:"brandResponseText,omitempty"`
	RespondedBy       *string `json:"respondedBy,omitempty"`
	ResponseCount     int     `json:"responseCount"`
	CustomerSatisfied *bool   `json:"customerSatisfied,omitempty"`
	CustomerFeedback  *string `json:"customerFeedback,omitempty"`
	PaymentReference  *string `json:"paymentReference,omitempty"`
	Version           int     `json:"version"`
	UpdatedAt         string  `json:"updatedAt,omitempty"`
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Operation string         `json:"operation"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	ActorID   string         `json:"actorId"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type paymentSessionResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	Reference        string `json:"reference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
}

type submitResponseRequest struct {
	Text string `json:"text"`
}

type consentRequest struct {
	Satisfied *bool   `json:"satisfied"`
	Feedback  *string `json:"feedback"`
}

type confirmPaymentRequest struct {
	Reference string `json:"reference"`
}

func toCaseResponse(c resolution.Case) caseResponse {
	resp := caseResponse{
		TellID:            c.TellID,
		State:             string(c.State),
		Resolved:          c.State == resolution.StateCompleted,
		BrandResponseText: c.BrandResponseText,
		RespondedBy:       c.RespondedBy,
		ResponseCount:     c.ResponseCount,
		CustomerSatisfied: c.CustomerSatisfied,
		CustomerFeedback:  c.CustomerFeedback,
		PaymentReference:  c.PaymentReference,
		Version:           c.Version,
	}
	if !c.UpdatedAt.IsZero() {
		resp.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	if _, err := s.visibleTell(r); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_, c, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleResolutionHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.visibleTell(r); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	events, err := s.engine.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponse{
			Seq:       ev.Seq,
			Operation: string(ev.Operation),
			From:      string(ev.From),
			To:        string(ev.To),
			ActorID:   ev.ActorID,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
		return
	}
	c, err := s.engine.SubmitBrandResponse(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil || req.Satisfied == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "satisfied flag required", false)
		return
	}
	c, err := s.engine.RecordCustomerConsent(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), *req.Satisfied, req.Feedback)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// handleInitiatePayment opens a checkout session billed to the caller's
// account email.
func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := userIDFromContext(ctx)
	user, err := s.authService.GetUserByID(ctx, actorID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	session, err := s.engine.InitiatePayment(ctx, mux.Vars(r)["id"], actorID, user.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentSessionResponse{
		AuthorizationURL: session.AuthorizationURL,
		Reference:        session.Reference,
		Amount:           session.Amount,
		Currency:         session.Currency,
	})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", false)
		return
	}
	c, err := s.engine.ConfirmPayment(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.Reference)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.CancelPayment(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// handlePaymentWebhook applies provider callbacks. Deliveries that can never
// succeed are acknowledged so the provider stops retrying; retryable failures
// answer 5xx so it tries again.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "unreadable body", false)
		return
	}
	if s.webhooks == nil || !s.webhooks.VerifySignature(body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "invalid signature", false)
		return
	}
	ev, err := payment.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed event", false)
		return
	}

	logger := s.log().With(
		zap.String("event", ev.Event),
		zap.String("reference", ev.Data.Reference),
		zap.String("tell_id", ev.TellID()),
	)
	if !ev.Successful() || ev.TellID() == "" {
		logger.Info("payment webhook ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	c, err := s.engine.HandlePaymentConfirmed(r.Context(), resolution.PaymentConfirmation{
		DeliveryKey: ev.DeliveryKey(),
		TellID:      ev.TellID(),
		Reference:   ev.Data.Reference,
		Amount:      ev.Data.Amount,
		Currency:    ev.Data.Currency,
	})
	switch {
	case err == nil:
		logger.Info("payment webhook applied", zap.String("state", string(c.State)))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case resolution.Retryable(err):
		logger.Warn("payment webhook failed, provider will retry", zap.Error(err))
		s.writeServiceError(w, r, err)
	case errors.Is(err, resolution.ErrInvalidState), errors.Is(err, resolution.ErrNotFound),
		errors.Is(err, resolution.ErrValidation):
		logger.Warn("payment webhook rejected", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	default:
		s.writeServiceError(w, r, err)
	}
}
