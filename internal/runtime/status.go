package runtime

import (
	"net/http"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// handleGetProcessors serves Processors() as JSON next to /metrics.
func (s *Service) handleGetProcessors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", jsoncodec.ContentType)
	if err := jsoncodec.Encode(w, s.Processors()); err != nil {
		s.Logger.Error("Failed to encode processors", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
