package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ArchiveRunner triggers one archival pass outside the cron schedule.
// The recorder's archive scheduler implements it.
type ArchiveRunner interface {
	RunOnce(ctx context.Context) error
}

// AdminHandler serves operator maintenance endpoints.
type AdminHandler struct {
	archive ArchiveRunner // optional
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler. archive may be nil.
func NewAdminHandler(archive ArchiveRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{archive: archive, logger: logger}
}

// TriggerArchive runs one archive cycle immediately, moving rows past the
// retention window to cold storage. The run happens inline so the caller
// sees failures.
// POST /api/admin/archive
func (h *AdminHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "archival not configured")
		return
	}

	start := time.Now()
	if err := h.archive.RunOnce(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive run failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "archive run failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "completed",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
