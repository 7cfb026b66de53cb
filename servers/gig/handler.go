package gig

import (
	"encoding/json"
	"net/http"
)

type listGigsResponse struct {
	Gigs []Record `json:"gigs"`
}

// HandleListGigs returns an HTTP handler serving the saved gigs as JSON. An
// optional "category" query parameter filters the result; an unknown category
// is a client error.
func (s *Server) HandleListGigs() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		category := Category(r.URL.Query().Get("category"))
		if category != "" && !category.valid() {
			http.Error(w, "invalid category", http.StatusBadRequest)
			return
		}

		records, err := s.store.List(category)
		if err != nil {
			s.logger.Error("Failed to list gigs", "err", err)
			http.Error(w, "failed to list gigs", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(listGigsResponse{Gigs: records}); err != nil {
			s.logger.Error("Failed to encode gigs", "err", err)
		}
	})
}
