package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/websocket"
)

// maxEventBytes bounds an ingestion payload.
const maxEventBytes = 16 << 10

// IngestHandler accepts tap events pushed by the transport.
type IngestHandler struct {
	engine *attendance.Engine
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewIngestHandler(engine *attendance.Engine, hub *websocket.Hub, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{engine: engine, hub: hub, logger: logger}
}

type tapRequest struct {
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Name      string `json:"name"`
	CardID    string `json:"card_id"`
}

// Tap reconciles one event. Malformed events get 400 and are not retried by
// a well-behaved transport; store failures get 500 so the event is redelivered.
func (h *IngestHandler) Tap(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		h.logger.Warn("rejected event", "device_id", req.DeviceID, "card_id", req.CardID, "timestamp", req.Timestamp, "error", err)
		writeError(w, http.StatusBadRequest, "malformed event: timestamp must be RFC 3339 with offset")
		return
	}

	res, err := h.engine.Reconcile(r.Context(), model.TapEvent{
		DeviceID:  req.DeviceID,
		Timestamp: ts,
		Kind:      req.EventType,
		CardID:    req.CardID,
		NameHint:  req.Name,
	})
	if errors.Is(err, attendance.ErrMalformedEvent) {
		h.logger.Warn("rejected event", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("reconcile tap", "device_id", req.DeviceID, "card_id", req.CardID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record tap")
		return
	}

	if !res.Duplicate && h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("attendance", string(res.Action), res.Day.ID, res))
	}

	writeJSON(w, http.StatusOK, res)
}
