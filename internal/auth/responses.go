// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Bodies are JSON; error bodies are a
// single JSON string holding the fixed message for the error's kind.
package auth

import (
	"encoding/json"
	"net/http"
)

// ErrorKindHeader carries the machine-readable error code on failed responses.
const ErrorKindHeader = "X-Error-Kind"

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError classifies err, logs it with its cause, and renders the
// user-facing message. Internal details never reach the response.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := AsError(err)
	args := []any{"code", e.Code()}
	if cause := e.Unwrap(); cause != nil {
		args = append(args, "cause", cause)
	}
	if e.IsClient() {
		logInfo(r, "request rejected", args...)
	} else {
		logError(r, "request failed", args...)
	}
	w.Header().Set(ErrorKindHeader, e.Code())
	writeJSON(w, e.Status(), e.Message())
}

// OK returns a 200 JSON response whose body is message as a JSON string.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, message)
}

// SeeOther redirects to location with 303 so the browser follows with GET.
func SeeOther(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}
