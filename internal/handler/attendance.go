package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/store"
	"github.com/dukerupert/tapledger/internal/websocket"
)

// AttendanceHandler serves ledger queries and corrections.
type AttendanceHandler struct {
	ledger    *store.AttendanceStore
	corrector *attendance.Corrector
	policy    attendance.DayPolicy
	hub       *websocket.Hub
	logger    *slog.Logger
}

func NewAttendanceHandler(ledger *store.AttendanceStore, corrector *attendance.Corrector, policy attendance.DayPolicy, hub *websocket.Hub, logger *slog.Logger) *AttendanceHandler {
	return &AttendanceHandler{
		ledger:    ledger,
		corrector: corrector,
		policy:    policy,
		hub:       hub,
		logger:    logger,
	}
}

type todayResponse struct {
	Date    string                `json:"date"`
	Summary model.Summary         `json:"summary"`
	Records []model.AttendanceDay `json:"records"`
}

type clearResponse struct {
	CardID  string `json:"card_id"`
	Date    string `json:"date"`
	Deleted int64  `json:"deleted"`
}

// dateParam reads an optional date query parameter. An absent value yields
// fallback.
func dateParam(r *http.Request, name, fallback string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return attendance.ParseDate(v)
}

func (h *AttendanceHandler) ListByDate(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r, "date", h.policy.Today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	days, err := h.ledger.ListByDate(r.Context(), date)
	if err != nil {
		h.logger.Error("list attendance by date", "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if days == nil {
		days = []model.AttendanceDay{}
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *AttendanceHandler) ListByCard(w http.ResponseWriter, r *http.Request) {
	cardID := attendance.NormalizeCardID(r.PathValue("card_id"))
	from, err := dateParam(r, "from", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := dateParam(r, "to", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	if from != "" && to != "" && from > to {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	days, err := h.ledger.ListByCard(r.Context(), cardID, from, to)
	if err != nil {
		h.logger.Error("list attendance by card", "card_id", cardID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if days == nil {
		days = []model.AttendanceDay{}
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *AttendanceHandler) Today(w http.ResponseWriter, r *http.Request) {
	today := h.policy.Today()
	days, err := h.ledger.ListByDate(r.Context(), today)
	if err != nil {
		h.logger.Error("list today's attendance", "date", today, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if days == nil {
		days = []model.AttendanceDay{}
	}
	writeJSON(w, http.StatusOK, todayResponse{
		Date:    today,
		Summary: attendance.Summarize(today, days),
		Records: days,
	})
}

// Summary returns one summary per date in [from, to]. Both bounds default
// to today.
func (h *AttendanceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	today := h.policy.Today()
	from, err := dateParam(r, "from", today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := dateParam(r, "to", today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	days, err := h.ledger.ListRange(r.Context(), from, to)
	if err != nil {
		h.logger.Error("list attendance range", "from", from, "to", to, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to summarize attendance")
		return
	}
	writeJSON(w, http.StatusOK, attendance.SummarizeRange(days))
}

func (h *AttendanceHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	today := h.policy.Today()
	live, err := h.ledger.ListRealtime(r.Context(), today)
	if err != nil {
		h.logger.Error("list realtime attendance", "date", today, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if live == nil {
		live = []model.LiveAttendance{}
	}
	writeJSON(w, http.StatusOK, live)
}

// Clear deletes a card's rows for a date (default today).
func (h *AttendanceHandler) Clear(w http.ResponseWriter, r *http.Request) {
	cardID := attendance.NormalizeCardID(r.PathValue("card_id"))
	date, err := dateParam(r, "date", h.policy.Today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	n, err := h.corrector.Clear(r.Context(), cardID, date)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		writeError(w, http.StatusNotFound, "no active worker for card "+cardID)
		return
	case errors.Is(err, attendance.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	case err != nil:
		h.logger.Error("clear attendance", "card_id", cardID, "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear attendance")
		return
	}

	resp := clearResponse{CardID: cardID, Date: date, Deleted: n}
	if n > 0 && h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("attendance", "cleared", 0, resp))
	}
	writeJSON(w, http.StatusOK, resp)
}
