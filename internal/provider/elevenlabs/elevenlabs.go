// Package elevenlabs implements the provider contract on top of the
// ElevenLabs Conversational AI WebSocket. The agent lives server-side, so
// the session mostly relays: the notable local state is the interruption
// watermark that filters stale audio, and the delayed pong keepalive.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/provider"
)

const (
	apiBase = "https://api.elevenlabs.io"
	wsBase  = "wss://api.elevenlabs.io"

	handshakeWait = 10 * time.Second
	voicesTimeout = 10 * time.Second
	eventBuffer   = 256
)

// fallbackVoices keeps the provider usable when the voices API is down.
var fallbackVoices = []provider.Voice{
	{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel", Style: "Calm", Language: "en"},
	{ID: "EXAVITQu4vr4xnSDxMaL", Name: "Sarah", Style: "Soft", Language: "en"},
}

// Config holds the ElevenLabs credentials and agent selection.
type Config struct {
	APIKey  string
	AgentID string
	APIURL  string // override for tests; defaults to the public REST base
	WSURL   string // override for tests; defaults to the public WS base
	HTTP    *http.Client
	Logger  *log.Logger
}

// Provider implements provider.Provider for ElevenLabs Conversational AI.
type Provider struct {
	apiKey  string
	agentID string
	apiURL  string
	wsURL   string
	http    *http.Client
	logger  *log.Logger

	mu     sync.Mutex
	voices []provider.Voice
}

// New creates an ElevenLabs provider.
func New(cfg Config) *Provider {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = apiBase
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = wsBase
	}
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{Timeout: voicesTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		agentID: cfg.AgentID,
		apiURL:  apiURL,
		wsURL:   wsURL,
		http:    client,
		logger:  logger,
	}
}

func (p *Provider) Name() string          { return "elevenlabs" }
func (p *Provider) DisplayName() string   { return "ElevenLabs" }
func (p *Provider) OutputSampleRate() int { return 16000 }

// Voices fetches the account's voice list, caching the first successful
// response. On failure a small static fallback is returned uncached.
func (p *Provider) Voices(ctx context.Context) ([]provider.Voice, error) {
	p.mu.Lock()
	cached := p.voices
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	voices, err := p.fetchVoices(ctx)
	if err != nil {
		p.logger.Printf("elevenlabs: failed to fetch voices: %v", err)
		out := make([]provider.Voice, len(fallbackVoices))
		copy(out, fallbackVoices)
		return out, nil
	}

	p.mu.Lock()
	p.voices = voices
	p.mu.Unlock()
	p.logger.Printf("elevenlabs: loaded %d voices", len(voices))
	return voices, nil
}

func (p *Provider) fetchVoices(ctx context.Context) ([]provider.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("voices API returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Voices []struct {
			VoiceID     string            `json:"voice_id"`
			Name        string            `json:"name"`
			Description string            `json:"description"`
			Labels      map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	voices := make([]provider.Voice, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		style := v.Labels["description"]
		if style == "" {
			style = v.Labels["accent"]
		}
		if style == "" && v.Description != "" {
			style = v.Description
			if len(style) > 40 {
				style = style[:40]
			}
		}
		if style == "" {
			style = "Custom"
		}
		lang := v.Labels["language"]
		if lang == "" {
			lang = "multilingual"
		}
		name := v.Name
		if name == "" {
			name = v.VoiceID
		}
		voices = append(voices, provider.Voice{ID: v.VoiceID, Name: name, Style: style, Language: lang})
	}
	return voices, nil
}

// Connect opens a conversation with the configured agent and sends the
// initiation overrides. Conversation metadata arrives asynchronously and is
// handled by the read loop.
func (p *Provider) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	header := http.Header{}
	header.Set("xi-api-key", p.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, _, err := dialer.DialContext(ctx, p.wsURL+"/v1/convai/conversation?agent_id="+p.agentID, header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	agent := map[string]any{}
	if cfg.Language != "" {
		// ElevenLabs takes ISO 639-1 codes, not BCP 47 tags.
		lang := cfg.Language
		if len(lang) > 2 {
			lang = lang[:2]
		}
		agent["language"] = lang
	}
	if cfg.SystemPrompt != "" {
		agent["prompt"] = map[string]any{"prompt": cfg.SystemPrompt}
	}
	initiation := map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{
			"agent": agent,
			"tts":   map[string]any{"voice_id": cfg.Voice},
		},
	}
	if err := conn.WriteJSON(initiation); err != nil {
		conn.Close()
		return nil, fmt.Errorf("elevenlabs: send initiation: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan provider.Event, eventBuffer),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	s.wg.Add(1)
	go s.readLoop()

	p.logger.Printf("elevenlabs: session opened (agent=%s, voice=%s, lang=%s)",
		p.agentID, cfg.Voice, cfg.Language)
	return s, nil
}

// Session is a live ConvAI conversation.
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan provider.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *log.Logger
}

// SendAudio forwards a PCM 16kHz chunk as a user_audio_chunk.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText sends a user text message to the agent.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "user_message", "text": text})
}

// SendImage is unsupported by ConvAI and dropped.
func (s *Session) SendImage(context.Context, []byte, string) error {
	s.logger.Printf("elevenlabs: image input not supported, dropping frame")
	return nil
}

// SendToolResult returns a client tool result for the given call.
func (s *Session) SendToolResult(ctx context.Context, callID, name, result string) error {
	if err := s.sendable(ctx); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": callID,
		"result":       result,
		"is_error":     false,
	})
}

// Events returns the canonical event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.events
}

// Close tears the connection down and waits for the read loop. Any pending
// delayed pong is abandoned.
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
		return fmt.Errorf("elevenlabs: session closed")
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

type convaiMessage struct {
	Type string `json:"type"`

	InitMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`

	AudioEvent *struct {
		EventID     int64  `json:"event_id"`
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	AgentCorrection *struct {
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`

	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event"`

	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
}

// readLoop translates ConvAI messages into canonical events. Audio events
// whose event_id is at or below the last interruption watermark are stale
// playback from the cut-off turn and get dropped.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	var lastInterruptID int64

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closedLocally() {
				s.logger.Printf("elevenlabs: read error: %v", err)
				s.emit(provider.Event{Type: provider.EventError, Text: err.Error()})
			}
			return
		}

		var msg convaiMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("elevenlabs: failed to parse message: %v", err)
			continue
		}

		switch msg.Type {
		case "conversation_initiation_metadata":
			if msg.InitMetadata != nil {
				s.logger.Printf("elevenlabs: conversation started: %s", msg.InitMetadata.ConversationID)
			}

		case "audio":
			if msg.AudioEvent == nil || msg.AudioEvent.EventID <= lastInterruptID {
				continue
			}
			if msg.AudioEvent.AudioBase64 == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
			if err != nil {
				s.logger.Printf("elevenlabs: bad audio payload: %v", err)
				continue
			}
			s.emit(provider.Event{Type: provider.EventAudio, Audio: audio})

		case "user_transcript":
			if msg.UserTranscription != nil && msg.UserTranscription.UserTranscript != "" {
				s.emit(provider.Event{Type: provider.EventTranscriptUser, Text: msg.UserTranscription.UserTranscript})
			}

		case "agent_response":
			// Agent responses arrive whole, so one doubles as end of turn.
			if msg.AgentResponse != nil && msg.AgentResponse.AgentResponse != "" {
				s.emit(provider.Event{Type: provider.EventTranscriptAgent, Text: msg.AgentResponse.AgentResponse})
				s.emit(provider.Event{Type: provider.EventTurnComplete})
			}

		case "agent_response_correction":
			if msg.AgentCorrection != nil && msg.AgentCorrection.CorrectedAgentResponse != "" {
				s.emit(provider.Event{
					Type: provider.EventTranscriptAgent,
					Text: "[corrected] " + msg.AgentCorrection.CorrectedAgentResponse,
				})
			}

		case "interruption":
			if msg.Interruption != nil {
				lastInterruptID = msg.Interruption.EventID
			}
			s.emit(provider.Event{Type: provider.EventInterrupted})

		case "ping":
			if msg.Ping != nil {
				go s.sendPong(msg.Ping.EventID, msg.Ping.PingMS)
			}

		case "client_tool_call":
			if msg.ClientToolCall != nil {
				args := msg.ClientToolCall.Parameters
				if args == nil {
					args = map[string]any{}
				}
				s.emit(provider.Event{
					Type:     provider.EventToolCall,
					ToolName: msg.ClientToolCall.ToolName,
					ToolArgs: args,
					ToolID:   msg.ClientToolCall.ToolCallID,
				})
			}
		}
	}
}

// sendPong answers a keepalive after the server-requested delay.
func (s *Session) sendPong(eventID, pingMS int64) {
	if pingMS > 0 {
		select {
		case <-time.After(time.Duration(pingMS) * time.Millisecond):
		case <-s.done:
			return
		}
	}
	if s.closedLocally() {
		return
	}
	if err := s.writeJSON(map[string]any{"type": "pong", "event_id": eventID}); err != nil {
		s.logger.Printf("elevenlabs: pong failed: %v", err)
	}
}

func (s *Session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
