package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/eventstore"
	"github.com/loqalabs/loqa-voicepad/internal/tts"
)

const maxSpeechBody = 1 << 20

type dictationStatus struct {
	State      string               `json:"state"`
	Dictating  bool                 `json:"dictating"`
	SessionID  string               `json:"session_id,omitempty"`
	Affordance dictation.Affordance `json:"affordance"`
	Error      string               `json:"error,omitempty"`
}

type speechRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Style    string `json:"style"`
	SSML     bool   `json:"ssml"`
}

type voicesResponse struct {
	DefaultVoice string         `json:"default_voice"`
	Voices       []config.Voice `json:"voices"`
}

type sessionView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Locale     string `json:"locale,omitempty"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", r.metricsHandler)

	mux.HandleFunc("GET /api/dictation", r.handleDictationStatus)
	mux.HandleFunc("POST /api/dictation/toggle", r.handleDictationToggle)
	mux.HandleFunc("GET /api/dictation/transcript", r.handleTranscript)
	mux.HandleFunc("DELETE /api/dictation/transcript", r.handleTranscriptReset)
	mux.HandleFunc("GET /api/sessions", r.handleSessions)
	mux.HandleFunc("POST /api/speech", r.handleSpeech)
	mux.HandleFunc("GET /api/voices", r.handleVoices)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// status snapshots the coordinator; must run on the loop.
func (r *Runtime) status() dictationStatus {
	return dictationStatus{
		State:      r.dictation.State().String(),
		Dictating:  r.dictation.Dictating(),
		SessionID:  r.dictation.SessionID(),
		Affordance: r.dictation.Affordance(),
		Error:      r.lastError,
	}
}

func (r *Runtime) handleDictationStatus(w http.ResponseWriter, req *http.Request) {
	var status dictationStatus
	if err := r.loop.Do(req.Context(), func() { status = r.status() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleDictationToggle(w http.ResponseWriter, req *http.Request) {
	var status dictationStatus
	var toggleErr error
	err := r.loop.Do(req.Context(), func() {
		toggleErr = r.dictation.Toggle()
		status = r.status()
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	switch {
	case errors.Is(toggleErr, dictation.ErrUnsupported):
		writeJSON(w, http.StatusConflict, status)
	case errors.Is(toggleErr, dictation.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, status)
	case toggleErr != nil:
		writeError(w, http.StatusInternalServerError, toggleErr)
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"text": r.transcript.String()})
}

func (r *Runtime) handleTranscriptReset(w http.ResponseWriter, _ *http.Request) {
	r.transcript.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = parsed
	}
	sessions, err := r.events.RecentSessions(req.Context(), req.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, views)
}

func toSessionView(s eventstore.Session) sessionView {
	v := sessionView{ID: s.ID, Kind: s.Kind, Locale: s.Locale, StopReason: s.StopReason}
	if !s.StartedAt.IsZero() {
		v.StartedAt = s.StartedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	if !s.EndedAt.IsZero() {
		v.EndedAt = s.EndedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return v
}

func (r *Runtime) handleSpeech(w http.ResponseWriter, req *http.Request) {
	var body speechRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSpeechBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	speech, err := r.speech.Generate(req.Context(), tts.SynthRequest{
		Text:     body.Text,
		Voice:    body.Voice,
		Language: body.Language,
		Style:    body.Style,
		SSML:     body.SSML,
	})
	switch {
	case errors.Is(err, tts.ErrEmptyText), errors.Is(err, tts.ErrUnknownVoice):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	r.record(func(ctx context.Context) {
		if err := r.events.BeginSession(ctx, eventstore.Session{ID: speech.RequestID, Kind: eventstore.KindSpeech, Locale: speech.Language}); err != nil {
			r.logger.Warn("failed to record speech session", slog.String("error", err.Error()))
			return
		}
		payload, _ := json.Marshal(map[string]any{"voice": speech.Voice, "bytes": len(speech.PCM)})
		if err := r.events.AppendEvent(ctx, eventstore.Event{SessionID: speech.RequestID, Type: eventstore.EventSpeechGenerated, Payload: payload}); err != nil {
			r.logger.Warn("failed to record speech", slog.String("error", err.Error()))
		}
	})

	samples, err := audio.DecodePCM16(speech.PCM)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	wav, err := audio.EncodeWAV(samples, speech.SampleRate, speech.Channels)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="speech-%s.wav"`, speech.RequestID))
	w.Header().Set("X-Request-Id", speech.RequestID)
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, voicesResponse{DefaultVoice: r.cfg.TTS.DefaultVoice, Voices: r.speech.Voices()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
