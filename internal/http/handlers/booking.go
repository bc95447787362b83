package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/http/middleware"
	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
	"github.com/wolfman30/telehealth-booking/internal/ratelimit"
	"github.com/wolfman30/telehealth-booking/internal/reservations"
	"github.com/wolfman30/telehealth-booking/internal/slots"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Reservations is the booking side of the engine.
type Reservations interface {
	CheckAvailability(ctx context.Context, slotID, patientID uuid.UUID) (slots.Availability, error)
	CheckBalance(ctx context.Context, patientID uuid.UUID) (balance.Allocation, bool, error)
	CreateReservation(ctx context.Context, slotID, patientID uuid.UUID, opts reservations.Options) (*reservations.Reservation, error)
	ReserveForPatient(ctx context.Context, providerID, slotID, patientID uuid.UUID) (*reservations.Reservation, error)
}

// Lifecycle is the transition side of the engine.
type Lifecycle interface {
	Cancel(ctx context.Context, req lifecycle.CancelRequest) (*lifecycle.Outcome, error)
	Reschedule(ctx context.Context, req lifecycle.RescheduleRequest) (*lifecycle.RescheduleOutcome, error)
	ProviderRescheduleInRoom(ctx context.Context, consultationID uuid.UUID, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	ProviderCancelInRoom(ctx context.Context, consultationID uuid.UUID, actor lifecycle.Actor, reason string) (*lifecycle.Outcome, error)
	EnterRoom(ctx context.Context, consultationID uuid.UUID, actor lifecycle.Actor) (*lifecycle.RoomAccess, error)
	RequestForceMajeure(ctx context.Context, req lifecycle.ForceMajeureRequest) (*lifecycle.CancellationRecord, error)
	GetConsultation(ctx context.Context, consultationID uuid.UUID, viewer lifecycle.Actor) (*consultations.Details, error)
	ListPatientConsultations(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]consultations.Consultation, error)
}

// Velocity throttles booking attempts per patient.
type Velocity interface {
	Check(ctx context.Context, patientID uuid.UUID) (*ratelimit.Result, error)
}

// Roles looks up stored user roles.
type Roles interface {
	Role(ctx context.Context, userID uuid.UUID) (string, error)
}

// BookingHandler serves the patient and provider booking endpoints.
type BookingHandler struct {
	reservations Reservations
	lifecycle    Lifecycle
	velocity     Velocity
	roles        Roles
	logger       *logging.Logger
}

func NewBookingHandler(res Reservations, lc Lifecycle, velocity Velocity, roles Roles, logger *logging.Logger) *BookingHandler {
	if res == nil || lc == nil {
		panic("handlers: reservations and lifecycle required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingHandler{reservations: res, lifecycle: lc, velocity: velocity, roles: roles, logger: logger}
}

type reserveRequest struct {
	SlotID uuid.UUID `json:"slot_id" validate:"required"`
}

type providerReserveRequest struct {
	SlotID    uuid.UUID `json:"slot_id" validate:"required"`
	PatientID uuid.UUID `json:"patient_id" validate:"required"`
}

type cancelRequest struct {
	Reason   string `json:"reason" validate:"required,max=2000"`
	Override bool   `json:"override"`
	Side     string `json:"side" validate:"omitempty,oneof=patient provider"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// BalanceResponse reports which balance the next booking would consume.
type BalanceResponse struct {
	Available  bool                `json:"available"`
	Allocation *balance.Allocation `json:"allocation,omitempty"`
}

func actorOf(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: "unauthorized"})
	}
	return actor, ok
}

// throttle answers 429 when the patient is over the booking velocity limit.
func (h *BookingHandler) throttle(w http.ResponseWriter, r *http.Request, patientID uuid.UUID) bool {
	if h.velocity == nil {
		return false
	}
	result, err := h.velocity.Check(r.Context(), patientID)
	if err != nil || result.Allowed {
		return false
	}
	retry := int(time.Until(result.WindowExpiry).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: result.Message, Code: "too_many_attempts"})
	return true
}

// CheckAvailability handles GET /slots/{slotID}/availability.
func (h *BookingHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	slotID, err := uuidParam(r, "slotID")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	patientID := actor.ID
	if raw := r.URL.Query().Get("patient_id"); raw != "" && actor.Role != lifecycle.RolePatient {
		if patientID, err = uuid.Parse(raw); err != nil {
			writeError(w, h.logger, r, apperr.Validation("patient_id must be a uuid"))
			return
		}
	}
	availability, err := h.reservations.CheckAvailability(r.Context(), slotID, patientID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

// Reserve handles POST /reservations.
func (h *BookingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if h.throttle(w, r, actor.ID) {
		return
	}
	res, err := h.reservations.CreateReservation(r.Context(), req.SlotID, actor.ID, reservations.Options{Origin: reservations.OriginPatient})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ReserveForPatient handles POST /providers/me/reservations.
func (h *BookingHandler) ReserveForPatient(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req providerReserveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if h.roles != nil {
		role, err := h.roles.Role(r.Context(), req.PatientID)
		if err != nil {
			writeError(w, h.logger, r, err)
			return
		}
		if role != string(lifecycle.RolePatient) {
			writeError(w, h.logger, r, apperr.Validation("patient_id does not belong to a patient"))
			return
		}
	}
	if h.throttle(w, r, req.PatientID) {
		return
	}
	res, err := h.reservations.ReserveForPatient(r.Context(), actor.ID, req.SlotID, req.PatientID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetConsultation handles GET /consultations/{id}.
func (h *BookingHandler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	details, err := h.lifecycle.GetConsultation(r.Context(), id, actor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// ListMyConsultations handles GET /patients/me/consultations?from=&to= with
// dates as YYYY-MM-DD. The range defaults to 90 days either side of today.
func (h *BookingHandler) ListMyConsultations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	now := time.Now()
	from, err := dateParam(r, "from", now.AddDate(0, 0, -90))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	to, err := dateParam(r, "to", now.AddDate(0, 0, 90))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	list, err := h.lifecycle.ListPatientConsultations(r.Context(), actor.ID, from, to)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if list == nil {
		list = []consultations.Consultation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": list})
}

func dateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be a YYYY-MM-DD date", name)
	}
	return t, nil
}

// GetMyBalance handles GET /patients/me/balance.
func (h *BookingHandler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	alloc, found, err := h.reservations.CheckBalance(r.Context(), actor.ID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	resp := BalanceResponse{Available: found}
	if found {
		resp.Allocation = &alloc
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles POST /consultations/{id}/cancel. The body is JSON or a
// multipart form carrying reason, override and an optional document file.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var (
		req cancelRequest
		doc *lifecycle.Document
	)
	if isMultipart(r) {
		var closeDoc func()
		doc, closeDoc, err = h.readMultipart(r, func(form func(string) string) {
			req.Reason = form("reason")
			req.Override, _ = strconv.ParseBool(form("override"))
			req.Side = form("side")
		})
		if err == nil {
			defer closeDoc()
			err = validateStruct(&req)
		}
	} else {
		err = decode(r, &req)
	}
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	out, err := h.lifecycle.Cancel(r.Context(), lifecycle.CancelRequest{
		ConsultationID: id,
		Actor:          actor,
		Reason:         req.Reason,
		Override:       req.Override,
		Side:           consultations.Party(req.Side),
		Document:       doc,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Reschedule handles POST /consultations/{id}/reschedule.
func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req reserveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if h.throttle(w, r, actor.ID) {
		return
	}
	out, err := h.lifecycle.Reschedule(r.Context(), lifecycle.RescheduleRequest{ConsultationID: id, NewSlotID: req.SlotID, Actor: actor})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// EnterRoom handles POST /consultations/{id}/room/enter.
func (h *BookingHandler) EnterRoom(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	access, err := h.lifecycle.EnterRoom(r.Context(), id, actor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

// RoomReschedule handles POST /consultations/{id}/room/reschedule.
func (h *BookingHandler) RoomReschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	out, err := h.lifecycle.ProviderRescheduleInRoom(r.Context(), id, actor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RoomCancel handles POST /consultations/{id}/room/cancel.
func (h *BookingHandler) RoomCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	out, err := h.lifecycle.ProviderCancelInRoom(r.Context(), id, actor, req.Reason)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RequestForceMajeure handles POST /consultations/{id}/force-majeure.
func (h *BookingHandler) RequestForceMajeure(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var (
		req reasonRequest
		doc *lifecycle.Document
	)
	if isMultipart(r) {
		var closeDoc func()
		doc, closeDoc, err = h.readMultipart(r, func(form func(string) string) {
			req.Reason = form("reason")
		})
		if err == nil {
			defer closeDoc()
			err = validateStruct(&req)
		}
	} else {
		err = decode(r, &req)
	}
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	record, err := h.lifecycle.RequestForceMajeure(r.Context(), lifecycle.ForceMajeureRequest{
		ConsultationID: id,
		Actor:          actor,
		Reason:         req.Reason,
		Document:       doc,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

const maxUploadBytes = 11 << 20

// readMultipart parses the form, hands its values to fill and returns the
// optional "document" file.
func (h *BookingHandler) readMultipart(r *http.Request, fill func(func(string) string)) (*lifecycle.Document, func(), error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, apperr.Validation("invalid multipart form")
	}
	fill(r.FormValue)

	file, header, err := r.FormFile("document")
	if err == http.ErrMissingFile {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, apperr.Validation("invalid document upload")
	}
	doc := &lifecycle.Document{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	return doc, func() { _ = file.Close() }, nil
}
