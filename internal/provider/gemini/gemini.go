// Package gemini implements the provider contract on top of the Gemini
// Live API's BidiGenerateContent WebSocket. Gemini streams a whole turn in
// one message shape: audio and transcripts arrive as parts of serverContent,
// tool calls arrive as a complete batch, and turn-complete/interrupted are
// explicit flags — there is no cross-message accumulation to do.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/provider"
)

const (
	liveURL      = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultModel = "models/gemini-live-2.5-flash-preview-native-audio-09-2025"

	eventBuffer = 256
)

// handshakeWait bounds the wait for setupComplete after connecting.
// Variable so tests can shorten the window.
var handshakeWait = 10 * time.Second

// Gemini Live native audio voices.
var voices = []provider.Voice{
	{ID: "Zephyr", Name: "Zephyr", Style: "Bright", Language: "multilingual"},
	{ID: "Kore", Name: "Kore", Style: "Firm", Language: "multilingual"},
	{ID: "Orus", Name: "Orus", Style: "Firm", Language: "multilingual"},
	{ID: "Autonoe", Name: "Autonoe", Style: "Bright", Language: "multilingual"},
	{ID: "Umbriel", Name: "Umbriel", Style: "Easy-going", Language: "multilingual"},
	{ID: "Erinome", Name: "Erinome", Style: "Clear", Language: "multilingual"},
	{ID: "Laomedeia", Name: "Laomedeia", Style: "Upbeat", Language: "multilingual"},
	{ID: "Schedar", Name: "Schedar", Style: "Even", Language: "multilingual"},
	{ID: "Achird", Name: "Achird", Style: "Friendly", Language: "multilingual"},
	{ID: "Sadachbia", Name: "Sadachbia", Style: "Lively", Language: "multilingual"},
	{ID: "Puck", Name: "Puck", Style: "Upbeat", Language: "multilingual"},
	{ID: "Fenrir", Name: "Fenrir", Style: "Excitable", Language: "multilingual"},
	{ID: "Aoede", Name: "Aoede", Style: "Breezy", Language: "multilingual"},
	{ID: "Enceladus", Name: "Enceladus", Style: "Breathy", Language: "multilingual"},
	{ID: "Algieba", Name: "Algieba", Style: "Smooth", Language: "multilingual"},
	{ID: "Algenib", Name: "Algenib", Style: "Gravelly", Language: "multilingual"},
	{ID: "Achernar", Name: "Achernar", Style: "Soft", Language: "multilingual"},
	{ID: "Gacrux", Name: "Gacrux", Style: "Mature", Language: "multilingual"},
	{ID: "Zubenelgenubi", Name: "Zubenelgenubi", Style: "Casual", Language: "multilingual"},
	{ID: "Sadaltager", Name: "Sadaltager", Style: "Knowledgeable", Language: "multilingual"},
	{ID: "Charon", Name: "Charon", Style: "Informative", Language: "multilingual"},
	{ID: "Leda", Name: "Leda", Style: "Youthful", Language: "multilingual"},
	{ID: "Callirrhoe", Name: "Callirrhoe", Style: "Easy-going", Language: "multilingual"},
	{ID: "Iapetus", Name: "Iapetus", Style: "Clear", Language: "multilingual"},
	{ID: "Despina", Name: "Despina", Style: "Smooth", Language: "multilingual"},
	{ID: "Rasalgethi", Name: "Rasalgethi", Style: "Informative", Language: "multilingual"},
	{ID: "Alnilam", Name: "Alnilam", Style: "Firm", Language: "multilingual"},
	{ID: "Pulcherrima", Name: "Pulcherrima", Style: "Forward", Language: "multilingual"},
	{ID: "Vindemiatrix", Name: "Vindemiatrix", Style: "Gentle", Language: "multilingual"},
	{ID: "Sulafat", Name: "Sulafat", Style: "Warm", Language: "multilingual"},
}

// Config holds the Gemini Live credentials and model selection.
type Config struct {
	APIKey string
	Model  string // defaults to the current live native-audio model
	URL    string // override for tests; defaults to the Live API endpoint
	Logger *log.Logger
}

// Provider implements provider.Provider for Gemini Live.
type Provider struct {
	apiKey string
	model  string
	url    string
	logger *log.Logger
}

// New creates a Gemini Live provider.
func New(cfg Config) *Provider {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	url := cfg.URL
	if url == "" {
		url = liveURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{apiKey: cfg.APIKey, model: model, url: url, logger: logger}
}

func (p *Provider) Name() string          { return "gemini" }
func (p *Provider) DisplayName() string   { return "Gemini Live" }
func (p *Provider) OutputSampleRate() int { return 24000 }

// Voices returns the static Gemini Live voice list.
func (p *Provider) Voices(context.Context) ([]provider.Voice, error) {
	out := make([]provider.Voice, len(voices))
	copy(out, voices)
	return out, nil
}

// Connect dials the Live endpoint, sends the session setup and waits for
// setupComplete. A missing acknowledgment within the handshake window is
// logged and the session proceeds; losing the connection mid-handshake is
// fatal.
func (p *Provider) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, _, err := dialer.DialContext(ctx, p.url+"?key="+p.apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	if err := conn.WriteJSON(p.setupMessage(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan provider.Event, eventBuffer),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		dead:   make(chan struct{}),
		logger: p.logger,
	}
	s.wg.Add(1)
	go s.readLoop()

	// The read loop owns the socket from here on. Connect only waits on
	// its signals and never reads or sets deadlines on the conn itself.
	select {
	case <-s.ready:
	case <-s.dead:
		s.Close()
		return nil, fmt.Errorf("gemini: connection lost during setup")
	case <-time.After(handshakeWait):
		p.logger.Printf("gemini: no setupComplete within %s, proceeding", handshakeWait)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	p.logger.Printf("gemini: session opened (model=%s, voice=%s, lang=%s)",
		p.model, cfg.Voice, cfg.Language)
	return s, nil
}

// setupMessage translates the session config into the Live setup frame.
func (p *Provider) setupMessage(cfg provider.SessionConfig) map[string]any {
	setup := map[string]any{
		"model": p.model,
		"generation_config": map[string]any{
			"response_modalities": []string{"AUDIO"},
			"speech_config": map[string]any{
				"voice_config": map[string]any{
					"prebuilt_voice_config": map[string]any{
						"voice_name": cfg.Voice,
					},
				},
				"language_code": cfg.Language,
			},
		},
		"input_audio_transcription":  map[string]any{},
		"output_audio_transcription": map[string]any{},
	}

	if cfg.SystemPrompt != "" {
		setup["system_instruction"] = map[string]any{
			"parts": []map[string]any{{"text": cfg.SystemPrompt}},
		}
	}

	var tools []map[string]any
	if len(cfg.Tools) > 0 {
		tools = append(tools, map[string]any{"function_declarations": cfg.Tools})
	}
	if cfg.GoogleSearch {
		tools = append(tools, map[string]any{"google_search": map[string]any{}})
	}
	if len(tools) > 0 {
		setup["tools"] = tools
	}

	if cfg.AffectiveDialog {
		setup["enable_affective_dialog"] = true
	}
	if cfg.ProactiveAudio {
		setup["proactivity"] = map[string]any{"proactive_audio": true}
	}

	return map[string]any{"setup": setup}
}

// Session is a live BidiGenerateContent conversation.
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan provider.Event
	done      chan struct{}
	ready     chan struct{} // closed when setupComplete arrives
	readyOnce sync.Once
	dead      chan struct{} // closed when the read loop exits
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *log.Logger
}

// Inbound message shapes. Responses use camelCase field names.
type serverMessage struct {
	SetupComplete        json.RawMessage  `json:"setupComplete"`
	ServerContent        *serverContent   `json:"serverContent"`
	ToolCall             *toolCallPayload `json:"toolCall"`
	ToolCallCancellation json.RawMessage  `json:"toolCallCancellation"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	InlineData *inlineData `json:"inlineData"`
	Text       string      `json:"text"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallPayload struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// SendAudio forwards a PCM 16kHz chunk as a realtime media chunk.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]any{{
				"data":      base64.StdEncoding.EncodeToString(pcm),
				"mime_type": "audio/pcm;rate=16000",
			}},
		},
	})
}

// SendText sends a user text turn and marks it complete so the model
// responds immediately.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"client_content": map[string]any{
			"turns": []map[string]any{{
				"role":  "user",
				"parts": []map[string]any{{"text": text}},
			}},
			"turn_complete": true,
		},
	})
}

// SendImage forwards an image frame as a realtime media chunk.
func (s *Session) SendImage(ctx context.Context, data []byte, mimeType string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]any{{
				"data":      base64.StdEncoding.EncodeToString(data),
				"mime_type": mimeType,
			}},
		},
	})
}

// SendToolResult returns a function response for the given call id.
func (s *Session) SendToolResult(ctx context.Context, callID, name, result string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"tool_response": map[string]any{
			"function_responses": []map[string]any{{
				"id":       callID,
				"name":     name,
				"response": map[string]any{"result": result},
			}},
		},
	})
}

// Events returns the canonical event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.events
}

// Close tears the connection down. The event channel closes once the read
// loop has drained.
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
		return fmt.Errorf("gemini: session closed")
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

// readLoop translates Live messages into canonical events until the
// connection ends. Malformed frames are logged and skipped; a fatal read
// error surfaces as one error event before the stream closes.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer close(s.dead)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closedLocally() {
				s.logger.Printf("gemini: read error: %v", err)
				s.emit(provider.Event{Type: provider.EventError, Text: err.Error()})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("gemini: failed to parse message: %v", err)
			continue
		}

		if msg.SetupComplete != nil {
			s.readyOnce.Do(func() { close(s.ready) })
			continue
		}

		// Tool calls arrive as a complete batch per turn.
		if msg.ToolCall != nil {
			for _, fc := range msg.ToolCall.FunctionCalls {
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				s.emit(provider.Event{
					Type:     provider.EventToolCall,
					ToolName: fc.Name,
					ToolArgs: args,
					ToolID:   fc.ID,
				})
			}
			continue
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}

		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData == nil || part.InlineData.Data == "" {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					s.logger.Printf("gemini: bad audio payload: %v", err)
					continue
				}
				s.emit(provider.Event{Type: provider.EventAudio, Audio: data})
			}
		}

		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.emit(provider.Event{Type: provider.EventTranscriptUser, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(provider.Event{Type: provider.EventTranscriptAgent, Text: sc.OutputTranscription.Text})
		}

		if sc.TurnComplete {
			s.emit(provider.Event{Type: provider.EventTurnComplete})
		}
		if sc.Interrupted {
			s.emit(provider.Event{Type: provider.EventInterrupted})
		}
	}
}

func (s *Session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
