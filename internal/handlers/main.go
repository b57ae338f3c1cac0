package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shintt/article.ui/internal/render"
	"github.com/shintt/article.ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Main handles the core functionality of the chat application, mounting a session per page view and
// pushing the rendered transcript of every session to its page through server-sent events.
type Main struct {
	sseSrv   *sse.Server
	renderer render.Renderer

	upstream session.Upstream
	sessions *session.Registry

	logger *slog.Logger
}

const errLoggerKey = "err"

// DefaultUnmountGrace is how long a session outlives the last event stream of its page. Browsers
// reconnect a dropped stream on their own, so a page only counts as gone once it stays away this long.
const DefaultUnmountGrace = 30 * time.Second

// NewMain creates a new Main instance streaming replies from upstream and rendering with preset.
// Sessions without an attached page are unmounted after grace. The SSE server subscribes every client
// to the default topic and, when it names one, to its session's topic.
func NewMain(upstream session.Upstream, preset render.Preset, grace time.Duration, logger *slog.Logger) (Main, error) {
	if logger == nil {
		logger = slog.Default()
	}

	renderer, err := render.New(preset)
	if err != nil {
		return Main{}, fmt.Errorf("failed to create renderer: %w", err)
	}

	m := Main{
		renderer: renderer,
		upstream: upstream,
		sessions: session.NewRegistry(grace),
		logger:   logger.With(slog.String("module", "main")),
	}
	m.sseSrv = &sse.Server{
		OnSession: m.onSession,
	}
	return m, nil
}

// onSession subscribes a new event stream and sends it the current transcript, so a page that
// reconnects catches up on what was published while it was away.
func (m Main) onSession(s *sse.Session) (sse.Subscription, bool) {
	topics := []string{sse.DefaultTopic}

	sessionID := s.Req.URL.Query().Get("session_id")
	if sessionID != "" {
		topics = append(topics, sessionTopic(sessionID))

		if cs, ok := m.sessions.Get(sessionID); ok {
			m.sendTranscript(s, cs.Snapshot())
		}
	}

	return sse.Subscription{
		Client:      s,
		LastEventID: s.LastEventID,
		Topics:      topics,
	}, true
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Sessions returns the number of mounted sessions.
func (m Main) Sessions() int {
	return m.sessions.Len()
}

// Shutdown closes every mounted session, cancelling the replies they are streaming, then gracefully
// terminates the SSE server. It broadcasts a close message to all connected clients and waits up to 5
// seconds for connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.CloseAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
