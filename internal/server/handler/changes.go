package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brokex/tradeindexer/internal/domain"
)

// ChangeLog reads the most recent applied mutations.
type ChangeLog interface {
	Recent(ctx context.Context, count int) ([]domain.TradeChange, error)
}

// ChangeHandler serves the recent change log.
type ChangeHandler struct {
	changes ChangeLog
	logger  *slog.Logger
}

// NewChangeHandler creates a ChangeHandler.
func NewChangeHandler(changes ChangeLog, logger *slog.Logger) *ChangeHandler {
	return &ChangeHandler{changes: changes, logger: logger}
}

// Recent returns the latest applied mutations, newest first.
// GET /api/changes?count=100
func (h *ChangeHandler) Recent(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = min(n, 1000)
		}
	}

	changes, err := h.changes.Recent(r.Context(), count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: recent changes failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read changes")
		return
	}
	if changes == nil {
		changes = []domain.TradeChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}
