// Package httpapi wires C9 (the signed submission endpoint) and C10's
// operator-authenticated query/admin endpoints behind a chi router
// (SPEC_FULL.md §C). It never touches a backend directly: every handler
// goes through the failoverstore/failoverblob/queue/scheduler/auth
// packages that already own the failover, signing, and scheduling
// contracts spec §4 describes.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tomshen124/ocr-server/internal/apperrors"
)

// successEnvelope is the wire shape spec §6 describes for happy responses.
type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// errorEnvelope is the wire shape spec §6/§7 describes for failures: a
// stable numeric code and a human message, never a stack trace or backend
// identity.
type errorEnvelope struct {
	Success  bool   `json:"success"`
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data})
}

// writeErr maps an apperrors.Kind to an HTTP status and emits the error
// envelope (spec §7 "API responses never leak stack or backend
// identities").
func writeErr(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)

	code := apperrors.New(apperrors.KindInternal, "").Code
	msg := "internal error"
	if ae, ok := err.(*apperrors.Error); ok {
		code = ae.Code
		msg = ae.Message // never ae.Cause: that may carry backend identity/detail
	}

	writeJSON(w, status, errorEnvelope{Success: false, ErrorCode: code, ErrorMsg: msg})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalidRequest:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindUnauthorised:
		return http.StatusUnauthorized
	case apperrors.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindFetchError, apperrors.KindOcrError, apperrors.KindRuleError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
