package api

import "net/http"

// withMaxBody caps the request body at limit bytes. A limit of 0 or less
// leaves the body unbounded.
func withMaxBody(limit int64, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		h(w, r)
	}
}
