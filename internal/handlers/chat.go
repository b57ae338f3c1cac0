package handlers

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shintt/article.ui/internal/models"
	"github.com/shintt/article.ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
)

// HandleInput forwards the text of the input box to the session named by the "session_id" form field.
// The "prompt" field carries the text. It answers 204, as nothing on the page has to change.
func (m Main) HandleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.session(w, r)
	if !ok {
		return
	}

	s.HandleInputChange(r.FormValue("prompt"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmit submits the input of the session named by the "session_id" form field. A "prompt" field,
// when present, replaces the input first, so text typed after the last input event is not lost.
//
// The reply streams in the background and reaches the page through the session's SSE topic; the
// response to this request is the prompt form re-rendered with the cleared input. A submit while the
// previous reply is still streaming answers 409.
func (m Main) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.session(w, r)
	if !ok {
		return
	}

	if _, ok := r.PostForm["prompt"]; ok {
		s.HandleInputChange(r.PostFormValue("prompt"))
	}

	if err := s.HandleSubmit(); err != nil {
		switch {
		case errors.Is(err, session.ErrStreaming):
			m.logger.Warn("Submit while streaming", slog.String("sessionID", s.ID()))
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, session.ErrClosed):
			http.Error(w, "Session not found", http.StatusNotFound)
		default:
			m.logger.Error("Failed to submit",
				slog.String("sessionID", s.ID()),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	var buf bytes.Buffer
	if err := m.renderer.RenderForm(&buf, s.Snapshot()); err != nil {
		m.logger.Error("Failed to render form",
			slog.String("sessionID", s.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		m.logger.Error("Failed to write form", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the event stream of the session named by the "session_id" query parameter. The
// page stays attached to its session while the stream lasts; once no stream is left, the session is
// unmounted unless the page reconnects within the grace period.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, ok := m.sessions.Attach(sessionID); !ok {
		m.logger.Error("Unknown session", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	defer func() {
		m.sessions.Detach(sessionID)
		m.logger.Debug("Event stream detached", slog.String("sessionID", sessionID))
	}()

	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if err := r.ParseForm(); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	sessionID := r.PostFormValue("session_id")
	if sessionID == "" {
		m.logger.Error("Session ID is required")
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return nil, false
	}

	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Unknown session", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (m Main) transcriptMessage(snap models.Snapshot) (*sse.Message, error) {
	var buf bytes.Buffer
	if err := m.renderer.RenderTranscript(&buf, snap); err != nil {
		return nil, err
	}

	msg := &sse.Message{
		Type: transcriptSSEType,
	}
	msg.AppendData(buf.String())
	return msg, nil
}

func (m Main) publishTranscript(snap models.Snapshot) {
	msg, err := m.transcriptMessage(snap)
	if err != nil {
		m.logger.Error("Failed to render transcript",
			slog.String("sessionID", snap.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.sseSrv.Publish(msg, sessionTopic(snap.SessionID)); err != nil {
		m.logger.Error("Failed to publish transcript",
			slog.String("sessionID", snap.SessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) sendTranscript(s *sse.Session, snap models.Snapshot) {
	msg, err := m.transcriptMessage(snap)
	if err != nil {
		m.logger.Error("Failed to render transcript",
			slog.String("sessionID", snap.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := s.Send(msg); err != nil {
		m.logger.Error("Failed to send transcript",
			slog.String("sessionID", snap.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := s.Flush(); err != nil {
		m.logger.Error("Failed to flush transcript",
			slog.String("sessionID", snap.SessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}
