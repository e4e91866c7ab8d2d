package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/store"
)

// handleSave merge-saves a snapshot posted by a producer's autosave.
func (r *Relay) handleSave(w http.ResponseWriter, req *http.Request) {
	claims := claimsFrom(req.Context())

	var body SpeechPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, r.cfg.MaxMessageBytes)).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
		return
	}
	body.ProducerID = claims.ProducerID
	if claims.ChannelID != "" {
		body.ChannelID = claims.ChannelID
	}

	res, err := r.persist.Save(req.Context(), body)
	if errors.Is(err, ErrNotOwner) {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": ErrNotOwner.Error()})
		return
	}
	if err != nil {
		captureError(req, err, "speech save failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "failed to save transcript"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"outcome":       res.Outcome,
		"transcription": res.Record,
	})
}

func (r *Relay) handleGetSession(w http.ResponseWriter, req *http.Request) {
	rec, err := r.store.Get(req.Context(), req.PathValue("sessionId"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		captureError(req, err, "get speech session failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type listResponse struct {
	Transcriptions []store.Transcript `json:"transcriptions"`
	Total          int                `json:"total"`
	Limit          int                `json:"limit"`
	Offset         int                `json:"offset"`
	HasMore        bool               `json:"hasMore"`
}

func parseFilter(req *http.Request) (store.Filter, error) {
	q := req.URL.Query()
	f := store.Filter{
		ProducerID: q.Get("producerId"),
		ChannelID:  q.Get("channelId"),
	}
	if v := q.Get("isFinal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("isFinal must be true or false")
		}
		f.IsFinal = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("limit must be a number")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("offset must be a number")
		}
		f.Offset = n
	}
	return f.Normalize(), nil
}

func (r *Relay) handleAdminList(w http.ResponseWriter, req *http.Request) {
	f, err := parseFilter(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rows, total, err := r.store.List(req.Context(), f)
	if err != nil {
		captureError(req, err, "list speech transcriptions failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list transcriptions"})
		return
	}
	if rows == nil {
		rows = []store.Transcript{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Transcriptions: rows,
		Total:          total,
		Limit:          f.Limit,
		Offset:         f.Offset,
		HasMore:        f.Offset+len(rows) < total,
	})
}

func (r *Relay) handleAdminDelete(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	err := r.store.Delete(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcription not found"})
		return
	}
	if err != nil {
		captureError(req, err, "delete speech transcription failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete transcription"})
		return
	}
	claims := claimsFrom(req.Context())
	r.log.Info().Str("id", id).Str("by", claims.Subject).Msg("transcription deleted")
	r.eventLog.LogAsync(id, "", eventlog.EventTranscriptDeleted, map[string]any{"by": claims.Subject})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (r *Relay) handleRoster(w http.ResponseWriter, _ *http.Request) {
	producers, observers := r.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"producers": r.registry.Roster(),
		"counts":    map[string]int{"producers": producers, "observers": observers},
	})
}
