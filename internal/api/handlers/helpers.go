package handlers

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// userIDFrom pulls the authenticated user out of the request context.
func userIDFrom(r *http.Request) (string, bool) {
	id, ok := r.Context().Value("user_id").(string)
	return id, ok
}
