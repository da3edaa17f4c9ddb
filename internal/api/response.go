package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"reminderd/internal/reminder"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

const (
	codeValidation   = "validation_error"
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeInternal     = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeFail(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &body})
}

// writeError maps domain errors to status codes. Anything unrecognized is a
// 500 with a generic message; the detail goes to the log only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := reminder.AsValidation(err); ok {
		writeFail(w, http.StatusBadRequest, errorBody{Code: codeValidation, Message: ve.Error(), Field: ve.Field})
		return
	}
	if errors.Is(err, reminder.ErrNotFound) {
		writeFail(w, http.StatusNotFound, errorBody{Code: codeNotFound, Message: "reminder not found"})
		return
	}
	s.log.Error("request failed", logxRequest(r, err)...)
	writeFail(w, http.StatusInternalServerError, errorBody{Code: codeInternal, Message: "internal error"})
}
