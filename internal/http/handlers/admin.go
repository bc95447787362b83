package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/compliance"
	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// AdminLifecycle is what administrators may trigger directly.
type AdminLifecycle interface {
	DecideCancellationRecord(ctx context.Context, recordID uuid.UUID, approve bool, admin lifecycle.Actor) (*lifecycle.CancellationRecord, error)
	SweepCompleted(ctx context.Context) (int, error)
}

// AuditTrail reads the cancellation audit log.
type AuditTrail interface {
	ListForConsultation(ctx context.Context, consultationID uuid.UUID) ([]compliance.AuditEvent, error)
}

// AdminHandler serves the admin endpoints.
type AdminHandler struct {
	lifecycle AdminLifecycle
	audit     AuditTrail
	logger    *logging.Logger
}

func NewAdminHandler(lc AdminLifecycle, audit AuditTrail, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{lifecycle: lc, audit: audit, logger: logger}
}

type decisionRequest struct {
	Approve *bool `json:"approve" validate:"required"`
}

// DecideRecord handles POST /admin/cancellation-records/{id}/decision.
func (h *AdminHandler) DecideRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	record, err := h.lifecycle.DecideCancellationRecord(r.Context(), id, *req.Approve, actor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SweepCompletion handles POST /admin/sweeps/completion.
func (h *AdminHandler) SweepCompletion(w http.ResponseWriter, r *http.Request) {
	n, err := h.lifecycle.SweepCompleted(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"completed": n})
}

// ListAudit handles GET /admin/consultations/{id}/audit.
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "audit log not configured", Code: "unavailable"})
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	events, err := h.audit.ListForConsultation(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if events == nil {
		events = []compliance.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
