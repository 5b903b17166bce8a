package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/provider"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeConvAI runs a scripted agent endpoint. The handler receives the
// connection after the initiation message has been read.
func fakeConvAI(t *testing.T, inits chan<- map[string]any, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("xi-api-key = %q", got)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent-1" {
			t.Errorf("agent_id = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var init map[string]any
		if err := conn.ReadJSON(&init); err != nil {
			t.Errorf("read initiation: %v", err)
			return
		}
		if inits != nil {
			inits <- init
		}
		if handler != nil {
			handler(conn)
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server, cfg provider.SessionConfig) provider.Session {
	t.Helper()
	p := New(Config{
		APIKey:  "test-key",
		AgentID: "agent-1",
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	s, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func collectEvents(t *testing.T, s provider.Session, n int) []provider.Event {
	t.Helper()
	var got []provider.Event
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event stream closed after %d events, want %d", len(got), n)
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func audioMsg(eventID int64, audio []byte) map[string]any {
	return map[string]any{
		"type": "audio",
		"audio_event": map[string]any{
			"event_id":       eventID,
			"audio_base_64":  base64.StdEncoding.EncodeToString(audio),
		},
	}
}

func TestInitiationOverrides(t *testing.T) {
	inits := make(chan map[string]any, 1)
	srv := fakeConvAI(t, inits, func(conn *websocket.Conn) { conn.ReadMessage() })
	defer srv.Close()

	dial(t, srv, provider.SessionConfig{
		Voice:        "voice-9",
		Language:     "cs-CZ",
		SystemPrompt: "you are a barista",
	})

	init := <-inits
	if init["type"] != "conversation_initiation_client_data" {
		t.Fatalf("type = %v", init["type"])
	}
	override := init["conversation_config_override"].(map[string]any)
	agent := override["agent"].(map[string]any)
	if agent["language"] != "cs" {
		t.Errorf("language = %v, want ISO 639-1 cs", agent["language"])
	}
	prompt := agent["prompt"].(map[string]any)
	if prompt["prompt"] != "you are a barista" {
		t.Errorf("prompt = %v", prompt)
	}
	tts := override["tts"].(map[string]any)
	if tts["voice_id"] != "voice-9" {
		t.Errorf("voice_id = %v", tts["voice_id"])
	}
}

func TestInterruptionWatermarkDropsStaleAudio(t *testing.T) {
	srv := fakeConvAI(t, nil, func(conn *websocket.Conn) {
		conn.WriteJSON(audioMsg(1, []byte{1}))
		conn.WriteJSON(map[string]any{
			"type":               "interruption",
			"interruption_event": map[string]any{"event_id": 3},
		})
		// ids 2 and 3 are from the interrupted turn and must be dropped
		conn.WriteJSON(audioMsg(2, []byte{2}))
		conn.WriteJSON(audioMsg(3, []byte{3}))
		conn.WriteJSON(audioMsg(4, []byte{4}))
		conn.ReadMessage()
	})
	defer srv.Close()

	s := dial(t, srv, provider.SessionConfig{})
	got := collectEvents(t, s, 3)
	if got[0].Type != provider.EventAudio || got[0].Audio[0] != 1 {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Type != provider.EventInterrupted {
		t.Errorf("event 1 = %+v, want interrupted", got[1])
	}
	if got[2].Type != provider.EventAudio || got[2].Audio[0] != 4 {
		t.Errorf("event 2 = %+v, stale audio leaked through", got[2])
	}
}

func TestAgentResponseCompletesTurn(t *testing.T) {
	srv := fakeConvAI(t, nil, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type":                     "user_transcript",
			"user_transcription_event": map[string]any{"user_transcript": "hi"},
		})
		conn.WriteJSON(map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "hello!"},
		})
		conn.WriteJSON(map[string]any{
			"type": "agent_response_correction",
			"agent_response_correction_event": map[string]any{
				"corrected_agent_response": "hello there!",
			},
		})
		conn.ReadMessage()
	})
	defer srv.Close()

	s := dial(t, srv, provider.SessionConfig{})
	got := collectEvents(t, s, 4)
	want := []provider.EventType{
		provider.EventTranscriptUser,
		provider.EventTranscriptAgent,
		provider.EventTurnComplete,
		provider.EventTranscriptAgent,
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
	if got[3].Text != "[corrected] hello there!" {
		t.Errorf("correction = %q", got[3].Text)
	}
}

func TestPingAnsweredAfterDelay(t *testing.T) {
	pongs := make(chan map[string]any, 1)
	srv := fakeConvAI(t, nil, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 42, "ping_ms": 10},
		})
		var pong map[string]any
		if err := conn.ReadJSON(&pong); err == nil {
			pongs <- pong
		}
		conn.ReadMessage()
	})
	defer srv.Close()

	dial(t, srv, provider.SessionConfig{})

	select {
	case pong := <-pongs:
		if pong["type"] != "pong" {
			t.Errorf("type = %v", pong["type"])
		}
		if id, ok := pong["event_id"].(float64); !ok || int64(id) != 42 {
			t.Errorf("event_id = %v", pong["event_id"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestClientToolCall(t *testing.T) {
	srv := fakeConvAI(t, nil, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type": "client_tool_call",
			"client_tool_call": map[string]any{
				"tool_name":    "get_weather",
				"tool_call_id": "tc-1",
				"parameters":   map[string]any{"location": "Brno"},
			},
		})
		conn.ReadMessage()
	})
	defer srv.Close()

	s := dial(t, srv, provider.SessionConfig{})
	ev := collectEvents(t, s, 1)[0]
	if ev.Type != provider.EventToolCall || ev.ToolName != "get_weather" || ev.ToolID != "tc-1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ToolArgs["location"] != "Brno" {
		t.Errorf("args = %v", ev.ToolArgs)
	}
}

func TestVoicesCacheAndFallback(t *testing.T) {
	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("xi-api-key = %q", got)
		}
		w.Write([]byte(`{"voices":[
			{"voice_id":"v1","name":"Mila","labels":{"description":"Warm","language":"cs"}},
			{"voice_id":"v2","name":"","description":"A deep narrator voice for long-form audio content","labels":{}}
		]}`))
	}))
	defer api.Close()

	p := New(Config{APIKey: "test-key", AgentID: "agent-1", APIURL: api.URL})
	voices, err := p.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("voices = %v", voices)
	}
	if voices[0].Style != "Warm" || voices[0].Language != "cs" {
		t.Errorf("labeled voice = %+v", voices[0])
	}
	if voices[1].Name != "v2" {
		t.Errorf("unnamed voice should fall back to its id: %+v", voices[1])
	}
	if len(voices[1].Style) != 40 {
		t.Errorf("long description should be truncated to 40, got %d", len(voices[1].Style))
	}

	// Second call served from cache.
	if _, err := p.Voices(context.Background()); err != nil {
		t.Fatalf("Voices (cached): %v", err)
	}
	if calls != 1 {
		t.Errorf("API called %d times, want 1", calls)
	}

	// Unreachable API falls back to the static list without caching it.
	broken := New(Config{APIKey: "test-key", AgentID: "agent-1", APIURL: "http://127.0.0.1:1"})
	fallback, err := broken.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices (fallback): %v", err)
	}
	if len(fallback) != 2 || fallback[0].Name != "Rachel" {
		t.Errorf("fallback = %v", fallback)
	}
}

func TestSendAudioChunk(t *testing.T) {
	frames := make(chan map[string]any, 1)
	srv := fakeConvAI(t, nil, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err == nil {
			frames <- msg
		}
		conn.ReadMessage()
	})
	defer srv.Close()

	s := dial(t, srv, provider.SessionConfig{})
	pcm := []byte{5, 6, 7, 8}
	if err := s.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-frames:
		decoded, err := base64.StdEncoding.DecodeString(msg["user_audio_chunk"].(string))
		if err != nil || string(decoded) != string(pcm) {
			t.Errorf("chunk = %v (%v)", decoded, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the audio chunk")
	}
}
