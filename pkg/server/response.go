package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/webnis/webnis/internal/logger"
)

// errorBody is the inner object of an error envelope.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeResult writes a {"result": ...} envelope.
func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, map[string]any{"result": result})
}

// writeError writes an {"error": {code, message}} envelope. The inner code
// can differ from the HTTP status (e.g. HTTP 403 carrying code 401).
func writeError(w http.ResponseWriter, httpStatus, code int, msg string) {
	writeJSON(w, httpStatus, map[string]any{"error": errorBody{Code: code, Message: msg}})
}

// writeJSON writes any JSON body with the given status. Encoding happens
// into a buffer first so an encode failure can still become a clean 500.
func writeJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, `{"error":{"code":500,"message":"encoding error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
