package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
	"github.com/shintt/article.ui/internal/session"
	"github.com/stretchr/testify/require"
)

type mockUpstream struct {
	parts []datastream.Part
	err   error
	block bool

	mu  sync.Mutex
	got [][]models.Turn
}

func (m *mockUpstream) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	m.mu.Lock()
	m.got = append(m.got, turns)
	m.mu.Unlock()

	return func(yield func(datastream.Part, error) bool) {
		for _, p := range m.parts {
			if !yield(p, nil) {
				return
			}
		}
		if m.err != nil {
			yield(nil, m.err)
			return
		}
		if m.block {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
}

func (m *mockUpstream) requests() [][]models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.got
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func submit(t *testing.T, s *session.Session, text string) {
	t.Helper()

	s.HandleInputChange(text)
	require.NoError(t, s.HandleSubmit())
	s.Wait()
}

func TestHandleSubmitEmpty(t *testing.T) {
	up := &mockUpstream{}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	require.NoError(t, s.HandleSubmit())
	require.Empty(t, s.Snapshot().Turns)
	require.Empty(t, up.requests())
}

func TestHandleSubmitStreamsReply(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{
		datastream.StartStep{ID: "step-1"},
		datastream.Text{Text: "Hel"},
		datastream.Text{Text: "lo"},
		datastream.ToolCallStreamingStart{ToolCallID: "c1", ToolName: "lookup"},
		datastream.ToolCallDelta{ToolCallID: "c1", ArgsTextDelta: `{"q":`},
		datastream.ToolCallDelta{ToolCallID: "c1", ArgsTextDelta: `1}`},
		datastream.ToolResult{ToolCallID: "c1", Result: json.RawMessage(`{"a":1}`)},
		datastream.ToolCall{ToolCallID: "c2", ToolName: "render_bar_chart_rsc", Args: json.RawMessage(`{}`)},
		datastream.FinishMessage{FinishReason: datastream.FinishReasonStop},
	}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "hi")

	snap := s.Snapshot()
	require.Equal(t, "s1", snap.SessionID)
	require.Empty(t, snap.Input)
	require.Len(t, snap.Turns, 2)

	user := snap.Turns[0]
	require.Equal(t, models.RoleUser, user.Role)
	require.Equal(t, "hi", user.Content)
	require.NotEmpty(t, user.ID)

	reply := snap.Turns[1]
	require.Equal(t, models.RoleAssistant, reply.Role)
	require.Equal(t, "Hello", reply.Content)
	require.NotEqual(t, user.ID, reply.ID)
	require.Equal(t, []models.ToolInvocation{
		models.Result{ToolName: "lookup", CallID: "c1", Args: `{"q":1}`, Payload: json.RawMessage(`{"a":1}`)},
		models.Pending{ToolName: "render_bar_chart_rsc", CallID: "c2", Args: `{}`},
	}, reply.ToolInvocations)

	reqs := up.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0], 1)
	require.Equal(t, "hi", reqs[0][0].Content)
}

func TestHandleSubmitSendsWholeTranscript(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{datastream.Text{Text: "ok"}}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "first")
	submit(t, s, "second")

	reqs := up.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1], 3)
	require.Equal(t, "first", reqs[1][0].Content)
	require.Equal(t, "ok", reqs[1][1].Content)
	require.Equal(t, "second", reqs[1][2].Content)
	require.Len(t, s.Snapshot().Turns, 4)
}

func TestHandleSubmitWhileStreaming(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{datastream.Text{Text: "partial"}}, block: true}
	s := session.New("s1", up, discardLogger())

	s.HandleInputChange("one")
	require.NoError(t, s.HandleSubmit())

	s.HandleInputChange("two")
	err := s.HandleSubmit()
	require.True(t, errors.Is(err, session.ErrStreaming))
	require.Equal(t, "two", s.Input())

	s.Close()
	require.False(t, s.Streaming())

	err = s.HandleSubmit()
	require.True(t, errors.Is(err, session.ErrClosed))
}

func TestStreamStopsOnErrorPart(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{
		datastream.Text{Text: "a"},
		datastream.Error{Message: "boom"},
		datastream.Text{Text: "b"},
	}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "hi")

	turns := s.Snapshot().Turns
	require.Len(t, turns, 2)
	require.Equal(t, "a", turns[1].Content)
}

func TestStreamUpstreamError(t *testing.T) {
	up := &mockUpstream{err: errors.New("connection refused")}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "hi")

	turns := s.Snapshot().Turns
	require.Len(t, turns, 1)
	require.Equal(t, models.RoleUser, turns[0].Role)
}

func TestStreamIgnoresResultForUnknownCall(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{
		datastream.Text{Text: "x"},
		datastream.ToolResult{ToolCallID: "missing", Result: json.RawMessage(`1`)},
	}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "hi")

	turns := s.Snapshot().Turns
	require.Len(t, turns, 2)
	require.Empty(t, turns[1].ToolInvocations)
}

func TestStreamResultForUnknownCallCreatesNoTurn(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{
		datastream.ToolResult{ToolCallID: "missing", Result: json.RawMessage(`1`)},
		datastream.FinishMessage{FinishReason: datastream.FinishReasonStop},
	}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	submit(t, s, "hi")

	turns := s.Snapshot().Turns
	require.Len(t, turns, 1)
	require.Equal(t, models.RoleUser, turns[0].Role)
}

func TestSubscribe(t *testing.T) {
	up := &mockUpstream{parts: []datastream.Part{
		datastream.Text{Text: "a"},
		datastream.Text{Text: "b"},
	}}
	s := session.New("s1", up, discardLogger())
	defer s.Close()

	var (
		mu    sync.Mutex
		snaps []models.Snapshot
	)
	unsubscribe := s.Subscribe(func(snap models.Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})

	submit(t, s, "hi")

	mu.Lock()
	got := len(snaps)
	last := snaps[len(snaps)-1]
	mu.Unlock()

	// user turn appended, two text parts, stream end
	require.Equal(t, 4, got)
	require.Len(t, last.Turns, 2)
	require.Equal(t, "ab", last.Turns[1].Content)

	// Snapshots are copies.
	last.Turns[1].Content = "changed"
	require.Equal(t, "ab", s.Snapshot().Turns[1].Content)

	unsubscribe()
	submit(t, s, "again")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, got)
}

func TestRegistry(t *testing.T) {
	up := &mockUpstream{block: true, parts: []datastream.Part{datastream.Text{Text: "x"}}}
	reg := session.NewRegistry(0)

	s1 := session.New("s1", up, discardLogger())
	s2 := session.New("s2", up, discardLogger())
	reg.Add(s1)
	reg.Add(s2)
	require.Equal(t, 2, reg.Len())

	got, ok := reg.Get("s1")
	require.True(t, ok)
	require.Same(t, s1, got)

	s1.HandleInputChange("hi")
	require.NoError(t, s1.HandleSubmit())

	reg.Remove("s1")
	_, ok = reg.Get("s1")
	require.False(t, ok)
	require.False(t, s1.Streaming())

	reg.Remove("unknown")
	reg.CloseAll()
	require.Equal(t, 0, reg.Len())
	require.True(t, errors.Is(s2.HandleSubmit(), session.ErrClosed))
}

func TestRegistryDetachedSessionExpires(t *testing.T) {
	const grace = 20 * time.Millisecond

	reg := session.NewRegistry(grace)
	defer reg.CloseAll()

	// A view that never attaches is reaped.
	idle := session.New("idle", &mockUpstream{}, discardLogger())
	reg.Add(idle)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(idle.HandleSubmit(), session.ErrClosed))

	s := session.New("s1", &mockUpstream{}, discardLogger())
	reg.Add(s)
	got, ok := reg.Attach("s1")
	require.True(t, ok)
	require.Same(t, s, got)

	// Attached sessions outlive the grace period, and a second stream keeps it attached when the
	// first one goes away.
	_, ok = reg.Attach("s1")
	require.True(t, ok)
	time.Sleep(3 * grace)
	reg.Detach("s1")
	time.Sleep(3 * grace)
	require.Equal(t, 1, reg.Len())

	// Reattaching within the grace period keeps the session.
	reg.Detach("s1")
	_, ok = reg.Attach("s1")
	require.True(t, ok)
	time.Sleep(3 * grace)
	require.Equal(t, 1, reg.Len())

	reg.Detach("s1")
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, ok = reg.Attach("s1")
	require.False(t, ok)
	reg.Detach("s1")
}
