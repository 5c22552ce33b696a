package server

import (
	"encoding/json"
	"net/http"
)

// apiError is the JSON error envelope camwatch's HTTP surface returns for
// every non-2xx response, mirroring the shape the teacher's deleted
// internal/api package used so existing clients/log scrapers see the same
// {"error": {...}} structure.
type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// writeMiddlewareError normalises middleware error responses to the JSON
// error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, status, message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error apiError `json:"error"`
	}{Error: apiError{Status: status, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
