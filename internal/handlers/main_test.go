package handlers_test

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/handlers"
	"github.com/shintt/article.ui/internal/models"
	"github.com/shintt/article.ui/internal/render"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockUpstream struct {
	responses []string
	err       error
	// block, when set, holds the reply open until it is closed or the session goes away.
	block chan struct{}
}

var sessionIDPattern = regexp.MustCompile(`name="session_id" value="([^"]+)"`)

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockUpstream{}, render.PresetComponent, handlers.DefaultUnmountGrace, nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		url        string
		preset     render.Preset
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Component preset",
			method:     http.MethodGet,
			url:        "/",
			preset:     render.PresetComponent,
			wantStatus: http.StatusOK,
			wantBody:   `sse-connect="/sse?session_id=`,
		},
		{
			name:       "Page preset",
			method:     http.MethodGet,
			url:        "/",
			preset:     render.PresetPage,
			wantStatus: http.StatusOK,
			wantBody:   render.PresetPage.Placeholder,
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/nope",
			preset:     render.PresetComponent,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			preset:     render.PresetComponent,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, err := handlers.NewMain(&mockUpstream{}, tt.preset, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = main.Shutdown(context.Background()) })

			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}

			wantSessions := 0
			if tt.wantStatus == http.StatusOK {
				wantSessions = 1
			}
			if main.Sessions() != wantSessions {
				t.Errorf("Sessions() = %v, want %v", main.Sessions(), wantSessions)
			}
		})
	}
}

type brokenPipeWriter struct {
	*httptest.ResponseRecorder
}

func (brokenPipeWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestHandleHomeWriteFailureUnmounts(t *testing.T) {
	main := newMain(t, &mockUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	main.HandleHome(brokenPipeWriter{httptest.NewRecorder()}, req)

	if main.Sessions() != 0 {
		t.Errorf("Sessions() = %v, want 0", main.Sessions())
	}
}

func TestHandleInput(t *testing.T) {
	main := newMain(t, &mockUpstream{})
	sessionID := mount(t, main)

	tests := []struct {
		name       string
		method     string
		sessionID  string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			sessionID:  sessionID,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing session",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown session",
			method:     http.MethodPost,
			sessionID:  "unknown",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Input change",
			method:     http.MethodPost,
			sessionID:  sessionID,
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(main.HandleInput, tt.method, "/chat/input", url.Values{
				"session_id": {tt.sessionID},
				"prompt":     {"Hello"},
			})

			if w.Code != tt.wantStatus {
				t.Errorf("HandleInput() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleSubmit(t *testing.T) {
	main := newMain(t, &mockUpstream{responses: []string{"AI response"}})
	sessionID := mount(t, main)

	tests := []struct {
		name       string
		method     string
		sessionID  string
		prompt     string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			sessionID:  sessionID,
			prompt:     "Hello",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing session",
			method:     http.MethodPost,
			prompt:     "Hello",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown session",
			method:     http.MethodPost,
			sessionID:  "unknown",
			prompt:     "Hello",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Empty prompt",
			method:     http.MethodPost,
			sessionID:  sessionID,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Submit",
			method:     http.MethodPost,
			sessionID:  sessionID,
			prompt:     "Hello",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(main.HandleSubmit, tt.method, "/chat/submit", url.Values{
				"session_id": {tt.sessionID},
				"prompt":     {tt.prompt},
			})

			if w.Code != tt.wantStatus {
				t.Errorf("HandleSubmit() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if w.Code == http.StatusOK && !strings.Contains(w.Body.String(), `value=""`) {
				t.Errorf("HandleSubmit() body = %v, want a cleared prompt", w.Body.String())
			}
		})
	}
}

func TestHandleSubmitWhileStreaming(t *testing.T) {
	upstream := &mockUpstream{
		responses: []string{"AI response"},
		block:     make(chan struct{}),
	}
	main := newMain(t, upstream)
	sessionID := mount(t, main)

	form := url.Values{
		"session_id": {sessionID},
		"prompt":     {"Hello"},
	}

	w := post(main.HandleSubmit, http.MethodPost, "/chat/submit", form)
	require.Equal(t, http.StatusOK, w.Code)

	w = post(main.HandleSubmit, http.MethodPost, "/chat/submit", form)
	require.Equal(t, http.StatusConflict, w.Code)

	close(upstream.block)
}

func TestHandleSSE(t *testing.T) {
	main := newMain(t, &mockUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/sse?session_id=unknown", nil)
	w := httptest.NewRecorder()

	main.HandleSSE(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSSEReconnect(t *testing.T) {
	main := newMainWithGrace(t, &mockUpstream{responses: []string{"AI response"}}, time.Minute)
	srv := serve(t, main)
	sessionID := mount(t, main)

	w := post(main.HandleSubmit, http.MethodPost, "/chat/submit", url.Values{
		"session_id": {sessionID},
		"prompt":     {"Hello"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The page was not listening while the reply streamed; the first event on connect catches it up.
	ev, disconnect := connect(t, srv, sessionID)
	require.Equal(t, "transcript", ev.Type)
	require.Contains(t, ev.Data, "Hello")
	disconnect()

	ev, disconnect = connect(t, srv, sessionID)
	defer disconnect()
	require.Equal(t, "transcript", ev.Type)
	require.Contains(t, ev.Data, "Hello")
	require.Equal(t, 1, main.Sessions())

	w = post(main.HandleInput, http.MethodPost, "/chat/input", url.Values{
		"session_id": {sessionID},
		"prompt":     {"Again"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleSSEDisconnectUnmountsAfterGrace(t *testing.T) {
	main := newMainWithGrace(t, &mockUpstream{}, 250*time.Millisecond)
	srv := serve(t, main)
	sessionID := mount(t, main)

	_, disconnect := connect(t, srv, sessionID)
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, 1, main.Sessions(), "attached session expired")

	disconnect()
	require.Eventually(t, func() bool { return main.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	w := post(main.HandleSubmit, http.MethodPost, "/chat/submit", url.Values{
		"session_id": {sessionID},
		"prompt":     {"Hello"},
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	resp, err := http.Get(srv.URL + "/sse?session_id=" + sessionID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnattachedSessionUnmounts(t *testing.T) {
	main := newMainWithGrace(t, &mockUpstream{}, 50*time.Millisecond)
	sessionID := mount(t, main)
	require.Equal(t, 1, main.Sessions())

	require.Eventually(t, func() bool { return main.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	w := post(main.HandleInput, http.MethodPost, "/chat/input", url.Values{
		"session_id": {sessionID},
		"prompt":     {"Hello"},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func newMain(t *testing.T, upstream *mockUpstream) handlers.Main {
	t.Helper()
	return newMainWithGrace(t, upstream, handlers.DefaultUnmountGrace)
}

func newMainWithGrace(t *testing.T, upstream *mockUpstream, grace time.Duration) handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(upstream, render.PresetComponent, grace, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })
	return main
}

func mount(t *testing.T, main handlers.Main) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	m := sessionIDPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, m, 2, "page has no session ID")
	return m[1]
}

func serve(t *testing.T, main handlers.Main) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", main.HandleSSE)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// connect opens the event stream of the session and returns its first event. The returned function
// drops the connection and waits until the server has let go of it.
func connect(t *testing.T, srv *httptest.Server, sessionID string) (sse.Event, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse?session_id="+sessionID, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first sse.Event
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		first = ev
		break
	}

	return first, func() {
		cancel()
		resp.Body.Close()
		srv.CloseClientConnections()
	}
}

func post(h http.HandlerFunc, method, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func (m *mockUpstream) Stream(ctx context.Context, _ []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		if m.err != nil {
			yield(nil, m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(datastream.Text{Text: resp}, nil) {
				return
			}
		}
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				return
			}
		}
		yield(datastream.FinishMessage{FinishReason: datastream.FinishReasonStop}, nil)
	}
}
