package handlers

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shintt/article.ui/internal/models"
	"github.com/shintt/article.ui/internal/session"
)

// HandleHome mounts a new chat session and renders the page showing it. The session lives until the
// page's SSE connection ends.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := session.New(uuid.New().String(), m.upstream, m.logger)

	var buf bytes.Buffer
	if err := m.renderer.RenderPage(&buf, s.Snapshot()); err != nil {
		s.Close()
		m.logger.Error("Failed to render page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Subscribe(func(snap models.Snapshot) {
		m.publishTranscript(snap)
	})
	m.sessions.Add(s)

	m.logger.Debug("Session mounted", slog.String("sessionID", s.ID()))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		// The page never arrived, so nothing will attach to the session.
		m.sessions.Remove(s.ID())
		m.logger.Error("Failed to write page",
			slog.String("sessionID", s.ID()),
			slog.String(errLoggerKey, err.Error()))
	}
}
