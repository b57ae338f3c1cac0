// Package session holds the state behind one mounted chat view: the transcript and the text of the input
// box. It forwards submitted input to an Upstream and applies the streamed reply to the transcript,
// notifying subscribers with a fresh snapshot after every change.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
)

// Upstream is a streaming chat endpoint. Stream sends the transcript, whose last turn is the new user
// turn, and yields the reply as data stream parts.
type Upstream interface {
	Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error]
}

// Session is the state of one mounted chat view. It is safe for concurrent use.
type Session struct {
	id       string
	upstream Upstream
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notifyMu serialises deliveries, so subscribers never see an older snapshot after a newer one.
	notifyMu sync.Mutex

	mu          sync.Mutex
	turns       []models.Turn
	input       string
	streaming   bool
	closed      bool
	subscribers map[int]func(models.Snapshot)
	nextSubID   int
}

// ErrStreaming is returned by HandleSubmit while the previous reply is still streaming.
var ErrStreaming = errors.New("previous reply is still streaming")

// ErrClosed is returned by HandleSubmit after the session was closed.
var ErrClosed = errors.New("session is closed")

const errLoggerKey = "err"

// New creates an empty session.
func New(id string, upstream Upstream, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		upstream:    upstream,
		logger:      logger.With(slog.String("module", "session"), slog.String("sessionID", id)),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]func(models.Snapshot)),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current state that stays valid while the session keeps changing.
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot()
}

func (s *Session) snapshot() models.Snapshot {
	return models.Snapshot{
		SessionID: s.id,
		Turns:     models.CloneTurns(s.turns),
		Input:     s.input,
	}
}

// Input returns the current text of the input box.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.input
}

// Streaming reports whether a reply is being streamed.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streaming
}

// HandleInputChange replaces the text of the input box.
func (s *Session) HandleInputChange(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
}

// HandleSubmit sends the current input. An empty input is ignored. Otherwise the input is cleared, the
// user turn is appended and the reply is streamed in the background into a new assistant turn.
func (s *Session) HandleSubmit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.input == "" {
		s.mu.Unlock()
		return nil
	}
	if s.streaming {
		s.mu.Unlock()
		return ErrStreaming
	}

	s.turns = append(s.turns, models.Turn{
		ID:      uuid.New().String(),
		Role:    models.RoleUser,
		Content: s.input,
	})
	s.input = ""
	s.streaming = true
	turns := models.CloneTurns(s.turns)
	s.wg.Add(1)
	s.mu.Unlock()

	s.notify()

	go s.stream(turns)
	return nil
}

// Subscribe registers fn to receive a snapshot after every change. The returned function removes it.
// Snapshots are delivered one at a time, in the order the changes happened.
func (s *Session) Subscribe(fn func(models.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Wait blocks until the reply being streamed, if any, has been fully applied and delivered.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels the reply being streamed, if any, and waits for it to stop. Subscribers are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.subscribers = make(map[int]func(models.Snapshot))
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	subs := make([]func(models.Snapshot), 0, len(s.subscribers))
	for i := 0; i < s.nextSubID; i++ {
		if fn, ok := s.subscribers[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) stream(turns []models.Turn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
		s.notify()
	}()

	reply := -1
	for part, err := range s.upstream.Stream(s.ctx, turns) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("Error from chat upstream", slog.String(errLoggerKey, err.Error()))
			return
		}

		s.mu.Lock()
		if reply == -1 && createsReply(part) {
			s.turns = append(s.turns, models.Turn{
				ID:   uuid.New().String(),
				Role: models.RoleAssistant,
			})
			reply = len(s.turns) - 1
		}
		var (
			changed bool
			stop    bool
		)
		if reply != -1 {
			changed, stop = s.apply(&s.turns[reply], part)
		} else {
			stop = s.logPart(part)
		}
		s.mu.Unlock()

		if changed {
			s.notify()
		}
		if stop {
			return
		}
	}
}

func createsReply(part datastream.Part) bool {
	switch part.(type) {
	case datastream.Text, datastream.ToolCall, datastream.ToolCallStreamingStart:
		return true
	default:
		return false
	}
}

// apply folds one part into the reply turn. It reports whether the turn changed and whether the stream
// should stop.
func (s *Session) apply(turn *models.Turn, part datastream.Part) (bool, bool) {
	switch p := part.(type) {
	case datastream.Text:
		if p.Text == "" {
			return false, false
		}
		turn.Content += p.Text
		return true, false

	case datastream.ToolCallStreamingStart:
		turn.PutInvocation(models.Pending{
			ToolName: p.ToolName,
			CallID:   p.ToolCallID,
		})
		return true, false

	case datastream.ToolCallDelta:
		idx, ok := turn.Invocation(p.ToolCallID)
		if !ok {
			s.logger.Warn("Tool call delta for unknown call", slog.String("toolCallID", p.ToolCallID))
			return false, false
		}
		pending, ok := turn.ToolInvocations[idx].(models.Pending)
		if !ok {
			return false, false
		}
		pending.Args += p.ArgsTextDelta
		turn.ToolInvocations[idx] = pending
		return true, false

	case datastream.ToolCall:
		turn.PutInvocation(models.Pending{
			ToolName: p.ToolName,
			CallID:   p.ToolCallID,
			Args:     string(p.Args),
		})
		return true, false

	case datastream.ToolResult:
		idx, ok := turn.Invocation(p.ToolCallID)
		if !ok {
			s.logger.Warn("Tool result for unknown call", slog.String("toolCallID", p.ToolCallID))
			return false, false
		}
		if len(p.Result) == 0 {
			s.logger.Error("Tool result without payload", slog.String("toolCallID", p.ToolCallID))
			return false, false
		}
		inv := turn.ToolInvocations[idx]
		turn.ToolInvocations[idx] = models.Pending{
			ToolName: inv.Name(),
			CallID:   inv.ID(),
			Args:     args(inv),
		}.Complete(p.Result)
		return true, false

	default:
		return false, s.logPart(part)
	}
}

// logPart handles the parts that do not change the transcript. It reports whether the stream should stop.
func (s *Session) logPart(part datastream.Part) bool {
	switch p := part.(type) {
	case datastream.Error:
		s.logger.Error("Chat upstream reported an error", slog.String(errLoggerKey, p.Message))
		return true
	case datastream.ToolResult:
		s.logger.Warn("Tool result for unknown call", slog.String("toolCallID", p.ToolCallID))
		return false
	case datastream.FinishMessage:
		s.logger.Debug("Reply finished",
			slog.String("finishReason", string(p.FinishReason)),
			slog.Int("promptTokens", p.Usage.PromptTokens),
			slog.Int("completionTokens", p.Usage.CompletionTokens))
		return false
	default:
		s.logger.Debug("Ignoring data stream part", slog.String("code", p.Code().String()))
		return false
	}
}

func args(inv models.ToolInvocation) string {
	switch v := inv.(type) {
	case models.Pending:
		return v.Args
	case models.Result:
		return v.Args
	default:
		panic(fmt.Sprintf("unknown tool invocation %T", inv))
	}
}
