package provider

// EventType identifies which member of the Event union is populated.
type EventType string

const (
	EventAudio           EventType = "audio"            // raw PCM bytes for playback
	EventTranscriptUser  EventType = "transcript_user"  // user speech transcript chunk
	EventTranscriptAgent EventType = "transcript_agent" // agent speech transcript chunk
	EventToolCall        EventType = "tool_call"        // backend wants a tool executed
	EventTurnComplete    EventType = "turn_complete"    // agent finished its turn
	EventInterrupted     EventType = "interrupted"      // user interrupted the agent
	EventError           EventType = "error"            // error surfaced by the backend
)

// Event is a single event emitted by a Session. Exactly one tag's fields
// are populated depending on Type:
//
//	EventAudio           → Audio
//	EventTranscriptUser  → Text
//	EventTranscriptAgent → Text
//	EventToolCall        → ToolName, ToolArgs, ToolID
//	EventTurnComplete    → (none)
//	EventInterrupted     → (none)
//	EventError           → Text (error message)
//
// A ToolCall event is emitted only once all its argument fragments have
// been received; consumers never see a partial call.
type Event struct {
	Type     EventType
	Audio    []byte
	Text     string
	ToolName string
	ToolArgs map[string]any
	ToolID   string
}
