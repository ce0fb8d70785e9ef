// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	problemJSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// ProblemTyped sends a problem response carrying a stable type URI so
// API clients can branch programmatically.
func ProblemTyped(w http.ResponseWriter, status int, typeURI, title, detail string) {
	problemJSON(w, status, ProblemDetail{
		Type:   typeURI,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func problemJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ProblemTypedExtra sends a typed problem response carrying additional
// extension members in the body, as RFC7807 section 3.2 permits.
func ProblemTypedExtra(w http.ResponseWriter, status int, typeURI, title, detail string, extra map[string]any) {
	body := map[string]any{
		"type":   typeURI,
		"title":  title,
		"status": status,
	}
	if detail != "" {
		body["detail"] = detail
	}
	for k, v := range extra {
		body[k] = v
	}
	problemJSON(w, status, body)
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
