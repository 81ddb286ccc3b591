package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/pipeline"
)

// StreamStatuses reports the live phase of every stream run by this process.
type StreamStatuses interface {
	Statuses() []pipeline.Status
}

// CursorLister lists committed stream cursors.
type CursorLister interface {
	List(ctx context.Context) ([]domain.Cursor, error)
}

// StatusHandler serves the process mode, stream phases and stored cursors.
type StatusHandler struct {
	mode    string
	streams StreamStatuses
	cursors CursorLister
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. streams is nil in api mode.
func NewStatusHandler(mode string, streams StreamStatuses, cursors CursorLister, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, streams: streams, cursors: cursors, logger: logger}
}

type cursorView struct {
	Stream    domain.Category `json:"stream"`
	Block     uint64          `json:"block"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetStatus responds with the mode, stream phases and committed cursors.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	streams := []pipeline.Status{}
	if h.streams != nil {
		streams = h.streams.Statuses()
	}

	cursors, err := h.cursors.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list cursors failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list cursors")
		return
	}
	views := make([]cursorView, 0, len(cursors))
	for _, c := range cursors {
		views = append(views, cursorView{Stream: c.Stream, Block: c.Block, UpdatedAt: c.UpdatedAt})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    h.mode,
		"streams": streams,
		"cursors": views,
	})
}
