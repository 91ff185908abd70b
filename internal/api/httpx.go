package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{
		RequestID: middleware.GetReqID(r.Context()),
		Error:     errorInfo{Code: code, Message: message},
	})
}

// errorMapping pairs an orchestrator sentinel with its HTTP rendering.
type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{orchestrator.ErrZeroValue, http.StatusBadRequest, "ZERO_VALUE"},
	{orchestrator.ErrInvalidStrategy, http.StatusBadRequest, "INVALID_STRATEGY"},
	{orchestrator.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{orchestrator.ErrRequestNotFound, http.StatusNotFound, "REQUEST_NOT_FOUND"},
	{orchestrator.ErrAlreadyProcessed, http.StatusConflict, "ALREADY_PROCESSED"},
	{orchestrator.ErrAlreadyRequested, http.StatusConflict, "ALREADY_REQUESTED"},
	{orchestrator.ErrRequestNotExpired, http.StatusTooEarly, "REQUEST_NOT_EXPIRED"},
	{orchestrator.ErrCircuitBreakerOpen, http.StatusServiceUnavailable, "CIRCUIT_BREAKER_OPEN"},
	{orchestrator.ErrVerificationMismatch, http.StatusUnprocessableEntity, "VERIFICATION_MISMATCH"},
}

// writeServiceError renders an orchestrator error. Unknown errors are
// logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, r, m.status, m.code, m.target.Error())
			return
		}
	}
	zap.L().Error("api: internal error",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}
