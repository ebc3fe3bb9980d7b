// Package httputil holds the JSON response helpers shared by the HTTP API and
// its middleware.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/logging"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	LedgerCode uint32                 `json:"ledger_code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes an error body.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	WriteJSON(w, status, ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: logging.GetTraceID(r.Context()),
	})
}

// WriteServiceError maps err onto its ServiceError status and body. Errors
// outside the taxonomy become 500s without leaking their text.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := ErrorBody{
		Code:       string(se.Code),
		Message:    se.Message,
		LedgerCode: uint32(apperrors.CodeOf(err)),
		Details:    se.Details,
		TraceID:    logging.GetTraceID(r.Context()),
	}
	WriteJSON(w, status, body)
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteServiceError(w, r, apperrors.Unauthorized(message))
}

// ReadJSON decodes a bounded request body into v.
func ReadJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apperrors.InvalidInput("empty request body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidInput(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
