package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps an error kind to its HTTP status and wire code.
func statusFor(err error) (int, string) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case apperr.KindInvalidState:
		return http.StatusConflict, "invalid_state"
	case apperr.KindInsufficientBalance:
		return http.StatusPaymentRequired, "insufficient_balance"
	case apperr.KindConcurrencyConflict:
		return http.StatusConflict, "slot_taken"
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity, "validation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, logger *logging.Logger, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := apperr.MessageOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// decode reads a JSON body and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return validateStruct(dst)
}

func validateStruct(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return apperr.Validation("invalid fields: %s", strings.Join(fields, ", "))
	}
	return apperr.Validation("invalid request")
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation("%s must be a uuid", name)
	}
	return id, nil
}
