package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/tools"
)

// fakeSession records what the bridge sends and plays back scripted events.
type fakeSession struct {
	events      chan provider.Event
	audio       chan []byte
	texts       chan string
	toolResults chan [3]string

	mu     sync.Mutex
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:      make(chan provider.Event, 64),
		audio:       make(chan []byte, 64),
		texts:       make(chan string, 64),
		toolResults: make(chan [3]string, 64),
	}
}

func (s *fakeSession) SendAudio(_ context.Context, pcm []byte) error {
	s.audio <- pcm
	return nil
}

func (s *fakeSession) SendText(_ context.Context, text string) error {
	s.texts <- text
	return nil
}

func (s *fakeSession) SendImage(context.Context, []byte, string) error { return nil }

func (s *fakeSession) SendToolResult(_ context.Context, callID, name, result string) error {
	s.toolResults <- [3]string{callID, name, result}
	return nil
}

func (s *fakeSession) Events() <-chan provider.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeTransport scripts client frames and keeps an ordered log of outbound
// operations.
type fakeTransport struct {
	frames chan Frame
	ops    chan string
	events chan map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan Frame, 64),
		ops:    make(chan string, 64),
		events: make(chan map[string]any, 64),
	}
}

func (t *fakeTransport) ReadFrame() (Frame, error) {
	f, ok := <-t.frames
	if !ok {
		return Frame{Kind: FrameClose}, nil
	}
	return f, nil
}

func (t *fakeTransport) WriteAudio(pcm []byte) error {
	t.ops <- fmt.Sprintf("audio:%d", len(pcm))
	return nil
}

func (t *fakeTransport) WriteEvent(v any) error {
	ev := v.(map[string]any)
	t.ops <- "event:" + ev["type"].(string)
	t.events <- ev
	return nil
}

func (t *fakeTransport) ClearPlayback() error {
	t.ops <- "clear"
	return nil
}

func (t *fakeTransport) Close() error { return nil }

// recordingSink collects transcripts.
type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) SaveTranscript(_ context.Context, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, role+": "+text)
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

func runBridge(t *testing.T, b *Bridge) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return done
}

func nextOp(t *testing.T, tr *fakeTransport) string {
	t.Helper()
	select {
	case op := <-tr.ops:
		return op
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport write")
		return ""
	}
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not terminate")
	}
}

func TestAudioTurnRoundTrip(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil)})
	done := runBridge(t, b)

	// Client speaks, provider answers with one audio delta and a finished
	// turn.
	transport.frames <- Frame{Kind: FrameAudio, Audio: []byte{1, 2}}
	select {
	case pcm := <-session.audio:
		if len(pcm) != 2 {
			t.Errorf("provider got %d bytes", len(pcm))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio never reached the provider")
	}

	session.events <- provider.Event{Type: provider.EventAudio, Audio: make([]byte, 480)}
	session.events <- provider.Event{Type: provider.EventTurnComplete}

	if op := nextOp(t, transport); op != "audio:480" {
		t.Errorf("first write = %q, want audio frame", op)
	}
	if op := nextOp(t, transport); op != "event:turn_complete" {
		t.Errorf("second write = %q, want turn_complete", op)
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestTextFrameForwarded(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil)})
	done := runBridge(t, b)

	transport.frames <- Frame{Kind: FrameText, Text: "hello"}
	select {
	case text := <-session.texts:
		if text != "hello" {
			t.Errorf("text = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("text never reached the provider")
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestInterruptedClearsBeforeFurtherAudio(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil)})
	done := runBridge(t, b)

	session.events <- provider.Event{Type: provider.EventInterrupted}
	session.events <- provider.Event{Type: provider.EventAudio, Audio: []byte{1}}

	if op := nextOp(t, transport); op != "clear" {
		t.Errorf("first op = %q, want clear", op)
	}
	if op := nextOp(t, transport); op != "event:interrupted" {
		t.Errorf("second op = %q, want interrupted", op)
	}
	if op := nextOp(t, transport); op != "audio:1" {
		t.Errorf("third op = %q, want the next turn's audio", op)
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestToolCallRoundTrip(t *testing.T) {
	exec := tools.NewExecutor(nil)
	exec.Register(provider.ToolDecl{Name: "get_weather"}, func(_ context.Context, args map[string]any) (string, error) {
		return "sunny in " + args["location"].(string), nil
	})

	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: exec})
	done := runBridge(t, b)

	session.events <- provider.Event{
		Type:     provider.EventToolCall,
		ToolName: "get_weather",
		ToolArgs: map[string]any{"location": "Oslo"},
		ToolID:   "call-7",
	}

	if op := nextOp(t, transport); op != "event:tool_call" {
		t.Fatalf("op = %q", op)
	}
	ev := <-transport.events
	if ev["name"] != "get_weather" || ev["result"] != "sunny in Oslo" {
		t.Errorf("client event = %v", ev)
	}

	select {
	case res := <-session.toolResults:
		if res != [3]string{"call-7", "get_weather", "sunny in Oslo"} {
			t.Errorf("tool result = %v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tool result never reached the provider")
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestImmediateTranscripts(t *testing.T) {
	sink := &recordingSink{}
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil), Sink: sink})
	done := runBridge(t, b)

	session.events <- provider.Event{Type: provider.EventTranscriptUser, Text: "hi"}
	session.events <- provider.Event{Type: provider.EventTranscriptAgent, Text: "hello"}

	if op := nextOp(t, transport); op != "event:user" {
		t.Errorf("op = %q", op)
	}
	if op := nextOp(t, transport); op != "event:agent" {
		t.Errorf("op = %q", op)
	}
	if got := sink.all(); len(got) != 2 || got[0] != "user: hi" || got[1] != "agent: hello" {
		t.Errorf("sink = %v", got)
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestAccumulatedTranscriptsFlushOnTurnBoundary(t *testing.T) {
	sink := &recordingSink{}
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{
		Transport:  transport,
		Session:    session,
		Tools:      tools.NewExecutor(nil),
		Sink:       sink,
		Accumulate: true,
	})
	done := runBridge(t, b)

	session.events <- provider.Event{Type: provider.EventTranscriptAgent, Text: "good "}
	session.events <- provider.Event{Type: provider.EventTranscriptAgent, Text: "morning"}
	session.events <- provider.Event{Type: provider.EventTurnComplete}

	if op := nextOp(t, transport); op != "event:turn_complete" {
		t.Errorf("op = %q; fragments must not be written individually", op)
	}
	if got := sink.all(); len(got) != 1 || got[0] != "agent: good morning" {
		t.Errorf("sink = %v", got)
	}

	// An interruption flushes whatever is buffered.
	session.events <- provider.Event{Type: provider.EventTranscriptUser, Text: "wait"}
	session.events <- provider.Event{Type: provider.EventInterrupted}
	nextOp(t, transport) // clear
	nextOp(t, transport) // interrupted event
	if got := sink.all(); len(got) != 2 || got[1] != "user: wait" {
		t.Errorf("sink after interruption = %v", got)
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestProviderErrorDoesNotTerminate(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil)})
	done := runBridge(t, b)

	session.events <- provider.Event{Type: provider.EventError, Text: "backend hiccup"}
	if op := nextOp(t, transport); op != "event:error" {
		t.Errorf("op = %q", op)
	}

	// Bridge keeps running after a soft error.
	session.events <- provider.Event{Type: provider.EventAudio, Audio: []byte{1}}
	if op := nextOp(t, transport); op != "audio:1" {
		t.Errorf("op after error = %q", op)
	}

	close(transport.frames)
	waitDone(t, done)
}

func TestTerminatesWhenEventStreamEnds(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()
	b := New(Options{Transport: transport, Session: session, Tools: tools.NewExecutor(nil)})
	done := runBridge(t, b)

	close(session.events)
	waitDone(t, done)

	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.closed {
		t.Error("session not closed on teardown")
	}
}

func TestObserverSeesSessionEvents(t *testing.T) {
	session := newFakeSession()
	transport := newFakeTransport()

	var mu sync.Mutex
	var seen []string
	b := New(Options{
		Transport: transport,
		Session:   session,
		Tools:     tools.NewExecutor(nil),
		Observe: func(event string, data map[string]any) {
			mu.Lock()
			seen = append(seen, event)
			mu.Unlock()
		},
	})
	done := runBridge(t, b)

	session.events <- provider.Event{Type: provider.EventToolCall, ToolName: "missing", ToolID: "c1", ToolArgs: map[string]any{}}
	session.events <- provider.Event{Type: provider.EventInterrupted}
	session.events <- provider.Event{Type: provider.EventError, Text: "boom"}
	session.events <- provider.Event{Type: provider.EventTurnComplete}
	close(session.events)
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"tool_call", "interrupted", "provider_error", "turn_complete"}
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}
