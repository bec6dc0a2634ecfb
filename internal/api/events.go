package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/metrics"
)

// maxEventBytes bounds one POST /api/events body
const maxEventBytes = 64 << 10

// handleAppendEvent appends one event envelope to the log. A missing
// timestamp is stamped with the current time.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxEventBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Event too large")
		return
	}

	ev, err := events.Unmarshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := ev.Payload.(events.Unknown); ok {
		writeError(w, http.StatusBadRequest, "Unknown event type: "+string(ev.Type()))
		return
	}
	if ev.ID != 0 {
		writeError(w, http.StatusBadRequest, "Event id is assigned by the store")
		return
	}
	if ev.TimestampMillis == 0 {
		ev.TimestampMillis = s.deps.Clock.NowMillis()
	}

	stored, err := s.deps.Store.Append(r.Context(), ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("Failed to append event")
		writeError(w, http.StatusInternalServerError, "Failed to append event")
		return
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(stored.Type())).Inc()

	out, err := events.Marshal(stored)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode event")
		return
	}
	s.logger.Info().
		Int64("id", stored.ID).
		Str("type", string(stored.Type())).
		Int64("ts", stored.TimestampMillis).
		Msg("Event appended")
	writeJSON(w, http.StatusCreated, json.RawMessage(out))
}
