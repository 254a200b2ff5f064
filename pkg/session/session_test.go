package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/models"
)

// fakeEngine runs a scripted turn per Stream call and records the options
// each turn was started with.
type fakeEngine struct {
	mu    sync.Mutex
	calls []engine.Options
	run   func(ctx context.Context, prompt string, st *engine.Stream)
}

func (f *fakeEngine) Stream(ctx context.Context, prompt string, opts engine.Options) (*engine.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()

	st := engine.NewStream(16)
	go f.run(ctx, prompt, st)
	return st, nil
}

func (f *fakeEngine) callOptions() []engine.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Options, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeSub collects every frame it receives. With fail set, Send always
// errors, simulating a dead client.
type fakeSub struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames []models.Frame
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Send(frame models.Frame) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) received() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSub) hasFrame(frameType string) bool {
	for _, f := range s.received() {
		if f.Type == frameType {
			return true
		}
	}
	return false
}

func newTestHub(t *testing.T, run func(ctx context.Context, prompt string, st *engine.Stream)) (*Hub, *fakeEngine, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := &fakeEngine{run: run}
	hub := NewHub(HubConfig{
		Store:         store,
		Engine:        eng,
		QueueCapacity: 4,
		IdleGrace:     time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return hub, eng, store
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// successfulTurn scripts one complete turn including a prompt echo, which
// must not be re-persisted.
func successfulTurn(ctx context.Context, prompt string, st *engine.Stream) {
	events := []engine.Event{
		{Type: engine.EventSystem, Subtype: "init", EngineSessionID: "es-1", Model: "sonnet"},
		{Type: engine.EventUser, Content: prompt},
		{Type: engine.EventAssistant, Subtype: "text", Text: "working on it"},
		{Type: engine.EventToolUse, ToolName: "Bash", ToolID: "tu-1", ToolInput: []byte(`{"command":"ls"}`)},
		{Type: engine.EventToolResult, ToolUseID: "tu-1", Content: "file.txt"},
		{Type: engine.EventResult, Subtype: "success", Success: true, ResultText: "done", CostUSD: 0.5, DurationMS: 1200},
	}
	for _, ev := range events {
		if err := st.Emit(ctx, ev); err != nil {
			st.Finish(engine.ErrCancelled)
			return
		}
	}
	st.Finish(nil)
}

func TestSession_TurnPersistsAndFansOut(t *testing.T) {
	hub, _, store := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Submit("hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, func() bool { return sub.hasFrame(models.FrameResult) }, "result frame never arrived")

	frames := sub.received()
	if frames[0].Type != models.FrameSessionInfo {
		t.Fatalf("frames[0].Type = %q, want session_info", frames[0].Type)
	}
	for _, want := range []string{models.FrameSystem, models.FrameAssistantMessage, models.FrameToolUse, models.FrameToolResult} {
		if !sub.hasFrame(want) {
			t.Fatalf("missing %q frame, got %+v", want, frames)
		}
	}

	messages, err := store.ListMessages("s1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	var types []string
	for _, m := range messages {
		types = append(types, m.Type)
	}
	want := []string{
		db.MessageTypeUser,
		db.MessageTypeSystem,
		db.MessageTypeAssistant,
		db.MessageTypeToolUse,
		db.MessageTypeToolResult,
		db.MessageTypeResult,
	}
	if len(types) != len(want) {
		t.Fatalf("persisted types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("persisted types = %v, want %v", types, want)
		}
	}

	last := messages[len(messages)-1]
	if last.Cost == nil || *last.Cost != 0.5 {
		t.Fatalf("result Cost = %v, want 0.5", last.Cost)
	}
	if last.Duration == nil || *last.Duration != 1200 {
		t.Fatalf("result Duration = %v, want 1200", last.Duration)
	}

	waitFor(t, func() bool {
		row, err := store.GetSession("s1")
		return err == nil && row.EngineSessionID == "es-1"
	}, "engine session id never persisted")

	if s.Info().MessageCount != int64(len(messages)) {
		t.Fatalf("in-memory count %d != persisted %d", s.Info().MessageCount, len(messages))
	}
}

func TestSession_ResumeTokenThreadsAcrossTurns(t *testing.T) {
	hub, eng, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := s.Submit("first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return sub.hasFrame(models.FrameResult) }, "first turn never finished")

	if err := s.Submit("second"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return len(eng.callOptions()) == 2 }, "second turn never started")

	calls := eng.callOptions()
	if calls[0].ResumeToken != "" {
		t.Fatalf("first turn ResumeToken = %q, want empty", calls[0].ResumeToken)
	}
	if calls[1].ResumeToken != "es-1" {
		t.Fatalf("second turn ResumeToken = %q, want es-1", calls[1].ResumeToken)
	}
}

func TestSession_CancelAbortsRunningTurn(t *testing.T) {
	started := make(chan struct{})
	hub, _, store := newTestHub(t, func(ctx context.Context, prompt string, st *engine.Stream) {
		_ = st.Emit(ctx, engine.Event{Type: engine.EventSystem, Subtype: "init", EngineSessionID: "es-1"})
		close(started)
		<-ctx.Done()
		st.Finish(engine.ErrCancelled)
	})

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Submit("long task"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	<-started
	waitFor(t, s.IsRunning, "turn never marked running")
	s.Cancel()

	waitFor(t, func() bool { return sub.hasFrame(models.FrameCancelled) }, "cancelled frame never arrived")
	if !sub.hasFrame(models.FrameCancelling) {
		t.Fatal("cancelling frame not broadcast before cancelled")
	}
	waitFor(t, func() bool { return !s.IsRunning() }, "session still running after cancel")

	messages, err := store.ListMessages("s1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	last := messages[len(messages)-1]
	if last.Type != db.MessageTypeSystem || last.Subtype != "cancelled" {
		t.Fatalf("terminal row = %s/%s, want system/cancelled", last.Type, last.Subtype)
	}
}

func TestSession_CancelWhenIdleIsNoop(t *testing.T) {
	hub, _, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	s.Cancel()
	if sub.hasFrame(models.FrameCancelling) || sub.hasFrame(models.FrameCancelled) {
		t.Fatal("idle Cancel should not broadcast anything")
	}
}

func TestSession_EndConversationClearsResumeToken(t *testing.T) {
	hub, eng, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := s.Submit("first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return sub.hasFrame(models.FrameResult) }, "first turn never finished")

	s.EndConversation()
	if s.Info().MessageCount != 0 {
		t.Fatalf("MessageCount = %d after EndConversation, want 0", s.Info().MessageCount)
	}

	if err := s.Submit("fresh start"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return len(eng.callOptions()) == 2 }, "second turn never started")

	if token := eng.callOptions()[1].ResumeToken; token != "" {
		t.Fatalf("ResumeToken after EndConversation = %q, want empty", token)
	}
}

func TestSession_FailingSubscriberIsDroppedAlone(t *testing.T) {
	hub, _, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	healthy := &fakeSub{id: "good"}
	broken := &fakeSub{id: "bad", fail: true}
	if err := s.Subscribe(healthy); err != nil {
		t.Fatalf("Subscribe(healthy) error = %v", err)
	}
	// The snapshot send fails immediately, dropping the broken subscriber.
	if err := s.Subscribe(broken); err != nil {
		t.Fatalf("Subscribe(broken) error = %v", err)
	}
	waitFor(t, func() bool { return s.SubscriberCount() == 1 }, "broken subscriber not dropped")

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return healthy.hasFrame(models.FrameResult) }, "healthy subscriber stopped receiving")
}

func TestSession_SubscribeIdempotent(t *testing.T) {
	hub, _, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() again error = %v", err)
	}
	if n := s.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", n)
	}
}

func TestSession_SubmitAfterCleanup(t *testing.T) {
	hub, _, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	s.Cleanup()

	if err := s.Submit("too late"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("Submit() error = %v, want ErrSessionGone", err)
	}
	if err := s.Subscribe(&fakeSub{id: "c1"}); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("Subscribe() error = %v, want ErrSessionGone", err)
	}
}

func TestSession_QueueFullSurfacesBackpressure(t *testing.T) {
	release := make(chan struct{})
	hub, _, _ := newTestHub(t, func(ctx context.Context, prompt string, st *engine.Stream) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		st.Finish(nil)
	})
	defer close(release)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := s.Submit("running"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, s.IsRunning, "first turn never started")

	// Fill the queue behind the running turn.
	for i := 0; i < 4; i++ {
		if err := s.Submit("queued"); err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
	}
	if err := s.Submit("overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestSession_EndConversationMidTurnDiscardsLateInit(t *testing.T) {
	initGate := make(chan struct{})
	var turns atomic.Int32
	hub, eng, _ := newTestHub(t, func(ctx context.Context, prompt string, st *engine.Stream) {
		if turns.Add(1) > 1 {
			st.Finish(nil)
			return
		}
		// The init event lands after the turn has been cancelled, using a
		// background context so delivery is not suppressed by the cancel.
		<-initGate
		_ = st.Emit(context.Background(), engine.Event{
			Type: engine.EventSystem, Subtype: "init", EngineSessionID: "es-stale",
		})
		st.Finish(engine.ErrCancelled)
	})

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Submit("first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, s.IsRunning, "turn never started")

	// End the conversation while the turn is in flight, then let the stale
	// init event through.
	s.EndConversation()
	close(initGate)
	waitFor(t, func() bool { return sub.hasFrame(models.FrameCancelled) }, "turn never cancelled")

	if err := s.Submit("fresh"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return len(eng.callOptions()) == 2 }, "second turn never started")

	if token := eng.callOptions()[1].ResumeToken; token != "" {
		t.Fatalf("ResumeToken after mid-turn EndConversation = %q, want empty", token)
	}
}

func TestSession_BroadcastReachesManySubscribers(t *testing.T) {
	hub, _, _ := newTestHub(t, successfulTurn)

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	subs := make([]*fakeSub, 100)
	for i := range subs {
		subs[i] = &fakeSub{id: fmt.Sprintf("c%d", i)}
		if err := s.Subscribe(subs[i]); err != nil {
			t.Fatalf("Subscribe(c%d) error = %v", i, err)
		}
	}

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	for i, sub := range subs {
		waitFor(t, func() bool { return sub.hasFrame(models.FrameResult) },
			fmt.Sprintf("subscriber c%d never saw the result", i))
	}

	full := []string{
		models.FrameSessionInfo,
		models.FrameSystem,
		models.FrameAssistantMessage,
		models.FrameToolUse,
		models.FrameToolResult,
		models.FrameResult,
	}
	for i, sub := range subs {
		for _, want := range full {
			if !sub.hasFrame(want) {
				t.Fatalf("subscriber c%d missing %q frame", i, want)
			}
		}
	}
}

func TestSession_ConcurrentSubmitsRunSequentially(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var active, overlapped atomic.Int32
	eng := &fakeEngine{run: func(ctx context.Context, prompt string, st *engine.Stream) {
		if active.Add(1) > 1 {
			overlapped.Store(1)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		_ = st.Emit(ctx, engine.Event{Type: engine.EventResult, Subtype: "success", Success: true, ResultText: prompt})
		st.Finish(nil)
	}}
	hub := NewHub(HubConfig{
		Store:         store,
		Engine:        eng,
		QueueCapacity: 8,
		IdleGrace:     time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				if err := s.Submit(fmt.Sprintf("g%d-%d", g, i)); err != nil {
					t.Errorf("Submit(g%d-%d) error = %v", g, i, err)
				}
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(eng.callOptions()) == 8 && !s.IsRunning() }, "turns never drained")
	if overlapped.Load() != 0 {
		t.Fatal("two turns ran concurrently")
	}

	messages, err := store.ListMessages("s1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	var users, results int
	for _, m := range messages {
		switch m.Type {
		case db.MessageTypeUser:
			users++
		case db.MessageTypeResult:
			results++
		}
	}
	if users != 8 || results != 8 {
		t.Fatalf("persisted users = %d, results = %d, want 8 each", users, results)
	}
}

func TestSession_EngineFailureBroadcastsError(t *testing.T) {
	hub, _, store := newTestHub(t, func(ctx context.Context, prompt string, st *engine.Stream) {
		_ = st.Emit(ctx, engine.Event{Type: engine.EventSystem, Subtype: "init", EngineSessionID: "es-1"})
		st.Finish(&engine.Error{Message: "binary not found"})
	})

	s, err := hub.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	sub := &fakeSub{id: "c1"}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Submit("hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, func() bool { return sub.hasFrame(models.FrameError) }, "error frame never arrived")

	messages, err := store.ListMessages("s1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	last := messages[len(messages)-1]
	if last.Type != db.MessageTypeError {
		t.Fatalf("terminal row type = %s, want error", last.Type)
	}
}
