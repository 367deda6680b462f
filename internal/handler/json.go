package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Brahmajyot/story-time/internal/domain"
)

// maxJSONBody bounds API request bodies.
const maxJSONBody = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	const op = "handler.decode_json"

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Errorf(domain.ETOOLARGE, op, "request body too large")
		case errors.Is(err, io.EOF):
			return domain.Invalid(op, "request body is required")
		default:
			return domain.Invalid(op, "request body must be valid JSON")
		}
	}
	if dec.More() {
		return domain.Invalid(op, "request body must contain a single JSON object")
	}
	return nil
}
