package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/store"
)

type WorkerHandler struct {
	workers *store.WorkerStore
	logger  *slog.Logger
}

func NewWorkerHandler(ws *store.WorkerStore, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{workers: ws, logger: logger}
}

func (h *WorkerHandler) GetByCard(w http.ResponseWriter, r *http.Request) {
	cardID := attendance.NormalizeCardID(r.PathValue("card_id"))
	if cardID == "" {
		writeError(w, http.StatusBadRequest, "card_id is required")
		return
	}

	worker, err := h.workers.GetByCardID(r.Context(), cardID)
	if err != nil {
		h.logger.Error("get worker by card", "card_id", cardID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	if worker == nil {
		writeError(w, http.StatusNotFound, "no worker for card "+cardID)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}
