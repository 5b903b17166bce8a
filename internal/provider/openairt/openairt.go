// Package openairt implements the provider contract on top of the OpenAI
// Realtime API (gpt-realtime, GA WebSocket interface). Unlike Gemini,
// function call arguments stream in as deltas and have to be accumulated
// until the done event, and interruption is inferred from speech starting
// while a response is in flight.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/audio"
	"github.com/voxbridge/voxbridge/internal/provider"
)

const (
	realtimeURL  = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-realtime"

	eventBuffer = 256
)

// handshakeWait bounds each wait for a handshake acknowledgment.
// Variable so tests can shorten the window.
var handshakeWait = 10 * time.Second

var voices = []provider.Voice{
	{ID: "marin", Name: "Marin", Style: "Warm, recommended"},
	{ID: "cedar", Name: "Cedar", Style: "Warm, recommended"},
	{ID: "alloy", Name: "Alloy", Style: "Neutral"},
	{ID: "ash", Name: "Ash", Style: "Conversational"},
	{ID: "ballad", Name: "Ballad", Style: "Expressive"},
	{ID: "coral", Name: "Coral", Style: "Friendly"},
	{ID: "echo", Name: "Echo", Style: "Smooth"},
	{ID: "sage", Name: "Sage", Style: "Authoritative"},
	{ID: "shimmer", Name: "Shimmer", Style: "Bright"},
	{ID: "verse", Name: "Verse", Style: "Versatile"},
}

// Config holds the OpenAI Realtime credentials and model selection.
type Config struct {
	APIKey string
	Model  string // defaults to gpt-realtime
	URL    string // override for tests; defaults to the Realtime endpoint
	Logger *log.Logger
}

// Provider implements provider.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey string
	model  string
	url    string
	logger *log.Logger
}

// New creates an OpenAI Realtime provider.
func New(cfg Config) *Provider {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	url := cfg.URL
	if url == "" {
		url = realtimeURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{apiKey: cfg.APIKey, model: model, url: url, logger: logger}
}

func (p *Provider) Name() string          { return "openai" }
func (p *Provider) DisplayName() string   { return "OpenAI Realtime" }
func (p *Provider) OutputSampleRate() int { return 24000 }

// Voices returns the static Realtime voice list.
func (p *Provider) Voices(context.Context) ([]provider.Voice, error) {
	out := make([]provider.Voice, len(voices))
	copy(out, voices)
	return out, nil
}

// Connect opens the Realtime WebSocket and runs the three-step handshake:
// wait for session.created, send session.update, wait for session.updated.
// A missed handshake message is logged and the session proceeds; losing the
// connection during the handshake is fatal.
func (p *Provider) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, _, err := dialer.DialContext(ctx, p.url+"?model="+p.model, header)
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	s := &Session{
		conn:    conn,
		events:  make(chan provider.Event, eventBuffer),
		done:    make(chan struct{}),
		created: make(chan struct{}),
		updated: make(chan struct{}),
		dead:    make(chan struct{}),
		logger:  p.logger,
	}
	s.wg.Add(1)
	go s.readLoop()

	// The read loop owns the socket from here on. Connect only waits on
	// its signals and never reads or sets deadlines on the conn itself.
	if err := s.await(ctx, s.created, "session.created"); err != nil {
		s.Close()
		return nil, err
	}

	update := map[string]any{
		"type":    "session.update",
		"session": p.sessionPayload(cfg),
	}
	if err := s.writeJSON(update); err != nil {
		s.Close()
		return nil, fmt.Errorf("openai: send session.update: %w", err)
	}

	if err := s.await(ctx, s.updated, "session.updated"); err != nil {
		s.Close()
		return nil, err
	}

	p.logger.Printf("openai: session opened (model=%s, voice=%s, lang=%s)",
		p.model, cfg.Voice, cfg.Language)
	return s, nil
}

// await blocks until the read loop signals the given handshake step. A
// missed acknowledgment is logged and the session proceeds, losing the
// connection is returned as an error.
func (s *Session) await(ctx context.Context, signal <-chan struct{}, want string) error {
	select {
	case <-signal:
		return nil
	case <-s.dead:
		return fmt.Errorf("openai: connection lost waiting for %s", want)
	case <-time.After(handshakeWait):
		s.logger.Printf("openai: no %s within %s, proceeding", want, handshakeWait)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionPayload builds the session.update body.
func (p *Provider) sessionPayload(cfg provider.SessionConfig) map[string]any {
	voice := cfg.Voice
	if voice == "" {
		voice = "marin"
	}

	tools := make([]map[string]any, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters.JSONSchema(),
		})
	}

	session := map[string]any{
		"type":              "realtime",
		"model":             p.model,
		"output_modalities": []string{"audio"},
		"audio": map[string]any{
			"input": map[string]any{
				"format":         map[string]any{"type": "audio/pcm", "rate": 24000},
				"transcription":  map[string]any{"model": "gpt-4o-transcribe"},
				"turn_detection": map[string]any{"type": "semantic_vad"},
			},
			"output": map[string]any{
				"format": map[string]any{"type": "audio/pcm", "rate": 24000},
				"voice":  voice,
			},
		},
		"tools":       tools,
		"tool_choice": "auto",
	}
	if cfg.SystemPrompt != "" {
		session["instructions"] = cfg.SystemPrompt
	}
	return session
}

// Session is a live Realtime API conversation.
type Session struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	events      chan provider.Event
	done        chan struct{}
	created     chan struct{} // closed when session.created arrives
	createdOnce sync.Once
	updated     chan struct{} // closed when session.updated arrives
	updatedOnce sync.Once
	dead        chan struct{} // closed when the read loop exits
	closeOnce   sync.Once
	wg          sync.WaitGroup
	logger      *log.Logger
}

// SendAudio resamples a PCM 16kHz chunk to the 24kHz the model expects and
// appends it to the input buffer.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	resampled := audio.Resample(pcm, 16000, 24000)
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(resampled),
	})
}

// SendText creates a user message item and triggers a response.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// SendImage attaches an image to the conversation as a data URL.
func (s *Session) SendImage(ctx context.Context, data []byte, mimeType string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_image", "image_url": url},
			},
		},
	})
}

// SendToolResult returns function output for the given call and triggers the
// model to continue.
func (s *Session) SendToolResult(ctx context.Context, callID, name, result string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  result,
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// Events returns the canonical event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.events
}

// Close tears the connection down and waits for the read loop.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Session) sendable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("openai: session closed")
	default:
		return nil
	}
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) closedLocally() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// realtimeMessage covers every inbound shape the loop cares about.
type realtimeMessage struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Arguments  string `json:"arguments"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Item       struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		CallID string `json:"call_id"`
	} `json:"item"`
	Response struct {
		Status string `json:"status"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// fcState accumulates one streaming function call. Metadata arrives in
// response.output_item.added, arguments arrive as deltas; fields on the done
// message win over the accumulator when present.
type fcState struct {
	name   string
	callID string
	args   strings.Builder
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer close(s.dead)

	var (
		fc         fcState
		inResponse bool
	)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closedLocally() {
				s.logger.Printf("openai: read error: %v", err)
				s.emit(provider.Event{Type: provider.EventError, Text: err.Error()})
			}
			return
		}

		var msg realtimeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("openai: failed to parse message: %v", err)
			continue
		}

		switch msg.Type {
		case "session.created":
			s.createdOnce.Do(func() { close(s.created) })

		case "session.updated":
			s.updatedOnce.Do(func() { close(s.updated) })

		case "response.output_audio.delta":
			if msg.Delta == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil {
				s.logger.Printf("openai: bad audio payload: %v", err)
				continue
			}
			s.emit(provider.Event{Type: provider.EventAudio, Audio: audio})

		case "response.output_audio_transcript.delta":
			if msg.Delta != "" {
				s.emit(provider.Event{Type: provider.EventTranscriptAgent, Text: msg.Delta})
			}

		case "conversation.item.input_audio_transcription.completed":
			if text := strings.TrimSpace(msg.Transcript); text != "" {
				s.emit(provider.Event{Type: provider.EventTranscriptUser, Text: text})
			}

		case "response.output_item.added":
			if msg.Item.Type == "function_call" {
				fc = fcState{name: msg.Item.Name, callID: msg.Item.CallID}
			}

		case "response.function_call_arguments.delta":
			fc.args.WriteString(msg.Delta)

		case "response.function_call_arguments.done":
			argsStr := msg.Arguments
			if argsStr == "" {
				argsStr = fc.args.String()
			}
			callID := msg.CallID
			if callID == "" {
				callID = fc.callID
			}
			name := msg.Name
			if name == "" {
				name = fc.name
			}
			args := map[string]any{}
			if argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
					s.logger.Printf("openai: unparseable tool arguments for %s: %v", name, err)
					args = map[string]any{}
				}
			}
			s.emit(provider.Event{
				Type:     provider.EventToolCall,
				ToolName: name,
				ToolArgs: args,
				ToolID:   callID,
			})
			fc = fcState{}

		case "response.created":
			inResponse = true

		case "response.done":
			inResponse = false
			if msg.Response.Status == "cancelled" {
				s.emit(provider.Event{Type: provider.EventInterrupted})
			} else {
				s.emit(provider.Event{Type: provider.EventTurnComplete})
			}

		case "input_audio_buffer.speech_started":
			// User started talking over an active response.
			if inResponse {
				s.emit(provider.Event{Type: provider.EventInterrupted})
			}

		case "error":
			text := msg.Error.Message
			if text == "" {
				text = string(raw)
			}
			s.logger.Printf("openai: server error: %s", text)
			s.emit(provider.Event{Type: provider.EventError, Text: text})
		}
	}
}

func (s *Session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
