package drip

import (
	"encoding/json"
	"net/http"

	"github.com/nahueldlsl/financial-os/internal/logging"
)

// Handler exposes the processor over HTTP.
type Handler struct {
	proc *Processor
}

// NewHandler creates a DRIP handler.
func NewHandler(proc *Processor) *Handler {
	return &Handler{proc: proc}
}

// Run handles POST /api/drip/run.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	res, err := h.proc.Run(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("drip run failed", "error", err)
		writeError(w, "drip run failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
