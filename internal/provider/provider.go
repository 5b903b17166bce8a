// Package provider defines the backend-agnostic contract for real-time
// voice conversation backends. Each backend (Gemini Live, OpenAI Realtime,
// ElevenLabs Conversational AI) implements Provider and Session so the
// bridge and the HTTP layer never see a backend's wire protocol.
package provider

import "context"

// Voice is a voice option offered by a backend. Descriptive only.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Style    string `json:"style"`
	Language string `json:"language"`
}

// SessionConfig is the configuration negotiated when opening a session.
// Immutable for the session's lifetime.
type SessionConfig struct {
	Voice           string         `json:"voice"`
	Language        string         `json:"language"`
	SystemPrompt    string         `json:"systemPrompt"`
	Tools           []ToolDecl     `json:"tools,omitempty"`
	AffectiveDialog bool           `json:"affectiveDialog"`
	ProactiveAudio  bool           `json:"proactiveAudio"`
	GoogleSearch    bool           `json:"googleSearch"`
	// Extra is a pass-through bucket for backend-specific options.
	Extra map[string]any `json:"extra,omitempty"`
}

// Session is an active real-time voice conversation with a backend.
// Returned by Provider.Connect. The bridge drives the session through the
// send methods and consumes Events until the channel closes.
//
// Backends lacking a modality (e.g. vision) log a warning and return nil
// rather than failing the session.
type Session interface {
	// SendAudio sends a raw PCM 16-bit 16kHz mono chunk. The backend
	// implementation resamples if its native rate differs.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendText sends a text message, ending the user's turn.
	SendText(ctx context.Context, text string) error

	// SendImage sends an image frame (e.g. screen share) to backends
	// that support vision.
	SendImage(ctx context.Context, data []byte, mimeType string) error

	// SendToolResult returns a tool execution result to the backend.
	SendToolResult(ctx context.Context, callID, name, result string) error

	// Events returns the session's event stream: unbounded, ordered,
	// single consumer. The channel closes after Close or a fatal
	// connection error; a fatal error is preceded by one EventError.
	Events() <-chan Event

	// Close shuts the session down and releases the connection.
	// Safe to call more than once.
	Close() error
}

// Provider is a factory for sessions. One instance per backend lives in
// the Registry for the lifetime of the process.
type Provider interface {
	// Name is the short registry key: "gemini", "openai", "elevenlabs".
	Name() string

	// DisplayName is the UI label.
	DisplayName() string

	// OutputSampleRate is the PCM rate of audio the backend emits.
	OutputSampleRate() int

	// Voices lists the voices this backend offers.
	Voices(ctx context.Context) ([]Voice, error)

	// Connect opens a new real-time session configured per cfg.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
