// Package bridge pumps audio and text between a connected client and a live
// provider session. The client side is abstracted behind ClientTransport so
// the same loop serves both browser WebSockets and carrier media streams.
package bridge

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/tools"
)

// queueDepth bounds the inbound audio and text queues. A stalled provider
// makes the client pump block here instead of growing without limit.
const queueDepth = 256

// FrameKind tags what a client frame carries.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameText
	FrameClose
)

// Frame is one inbound unit from the client.
type Frame struct {
	Kind  FrameKind
	Audio []byte // PCM 16kHz mono, already codec-converted by the transport
	Text  string
}

// ClientTransport is the client side of a bridged session. Implementations
// own their wire framing and codec conversion: WriteAudio takes PCM at the
// provider's output rate and ReadFrame yields PCM at 16kHz.
type ClientTransport interface {
	ReadFrame() (Frame, error)
	WriteAudio(pcm []byte) error
	WriteEvent(v any) error
	ClearPlayback() error
	Close() error
}

// TranscriptSink receives finished transcript text. Failures are logged and
// never interrupt the session.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, role, text string) error
}

// Bridge ties one client transport to one provider session.
type Bridge struct {
	transport ClientTransport
	session   provider.Session
	tools     *tools.Executor
	sink      TranscriptSink
	logger    *log.Logger
	observe   func(event string, data map[string]any)

	// accumulate batches transcript fragments per role and flushes them on
	// turn boundaries. Telephony sessions use this to avoid a sink write
	// per fragment.
	accumulate bool
	userText   strings.Builder
	agentText  strings.Builder
}

// Options configures a Bridge.
type Options struct {
	Transport  ClientTransport
	Session    provider.Session
	Tools      *tools.Executor
	Sink       TranscriptSink // optional
	Accumulate bool
	Logger     *log.Logger

	// Observe, when set, is called for notable session events (tool calls,
	// interruptions, turn completions, provider errors) so callers can feed
	// an audit trail. Must not block.
	Observe func(event string, data map[string]any)
}

// New creates a Bridge. Transport, Session and Tools are required.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		transport:  opts.Transport,
		session:    opts.Session,
		tools:      opts.Tools,
		sink:       opts.Sink,
		observe:    opts.Observe,
		accumulate: opts.Accumulate,
		logger:     logger,
	}
}

// Run pumps until either side ends. Four pumps run concurrently: client
// frames in, audio out to the provider, text out to the provider, and
// provider events back to the client. The first pump to stop brings the
// rest down; queued data is dropped at that point.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	audioCh := make(chan []byte, queueDepth)
	textCh := make(chan string, queueDepth)
	errc := make(chan error, 4)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); errc <- b.clientPump(ctx, audioCh, textCh) }()
	go func() { defer wg.Done(); errc <- b.audioPump(ctx, audioCh) }()
	go func() { defer wg.Done(); errc <- b.textPump(ctx, textCh) }()
	go func() { defer wg.Done(); errc <- b.eventPump(ctx) }()

	err := <-errc
	cancel()
	b.session.Close()
	b.transport.Close()
	wg.Wait()
	return err
}

// clientPump reads frames from the client and fans them into the queues.
func (b *Bridge) clientPump(ctx context.Context, audioCh chan<- []byte, textCh chan<- string) error {
	for {
		frame, err := b.transport.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch frame.Kind {
		case FrameAudio:
			select {
			case audioCh <- frame.Audio:
			case <-ctx.Done():
				return nil
			}
		case FrameText:
			select {
			case textCh <- frame.Text:
			case <-ctx.Done():
				return nil
			}
		case FrameClose:
			b.logger.Printf("bridge: client closed the stream")
			return nil
		}
	}
}

func (b *Bridge) audioPump(ctx context.Context, audioCh <-chan []byte) error {
	for {
		select {
		case chunk := <-audioCh:
			if err := b.session.SendAudio(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bridge) textPump(ctx context.Context, textCh <-chan string) error {
	for {
		select {
		case text := <-textCh:
			if err := b.session.SendText(ctx, text); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// eventPump consumes provider events until the stream closes.
func (b *Bridge) eventPump(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-b.session.Events():
			if !ok {
				b.flushTranscripts(ctx)
				return nil
			}
			b.handleEvent(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev provider.Event) {
	switch ev.Type {
	case provider.EventAudio:
		if err := b.transport.WriteAudio(ev.Audio); err != nil {
			b.logger.Printf("bridge: audio write failed: %v", err)
		}

	case provider.EventTranscriptUser:
		b.transcript(ctx, "user", ev.Text, &b.userText)

	case provider.EventTranscriptAgent:
		b.transcript(ctx, "agent", ev.Text, &b.agentText)

	case provider.EventToolCall:
		b.logger.Printf("bridge: tool call %s", ev.ToolName)
		result := b.tools.Execute(ctx, ev.ToolName, ev.ToolArgs)
		b.notify("tool_call", map[string]any{"name": ev.ToolName, "result": result})
		b.writeEvent(map[string]any{
			"type":   "tool_call",
			"name":   ev.ToolName,
			"args":   ev.ToolArgs,
			"result": result,
		})
		if err := b.session.SendToolResult(ctx, ev.ToolID, ev.ToolName, result); err != nil {
			b.logger.Printf("bridge: tool result send failed: %v", err)
		}

	case provider.EventTurnComplete:
		b.flushTranscripts(ctx)
		b.notify("turn_complete", nil)
		b.writeEvent(map[string]any{"type": "turn_complete"})

	case provider.EventInterrupted:
		// Flush the carrier's playback buffer before anything else so the
		// caller stops hearing the superseded turn.
		if err := b.transport.ClearPlayback(); err != nil {
			b.logger.Printf("bridge: playback clear failed: %v", err)
		}
		b.flushTranscripts(ctx)
		b.notify("interrupted", nil)
		b.writeEvent(map[string]any{"type": "interrupted"})

	case provider.EventError:
		b.logger.Printf("bridge: provider error: %s", ev.Text)
		b.notify("provider_error", map[string]any{"message": ev.Text})
		b.writeEvent(map[string]any{"type": "error", "message": ev.Text})
	}
}

func (b *Bridge) notify(event string, data map[string]any) {
	if b.observe != nil {
		b.observe(event, data)
	}
}

// transcript routes one fragment: buffered in accumulate mode, otherwise
// forwarded to the sink and the client immediately.
func (b *Bridge) transcript(ctx context.Context, role, text string, buf *strings.Builder) {
	if text == "" {
		return
	}
	if b.accumulate {
		buf.WriteString(text)
		return
	}
	b.saveTranscript(ctx, role, text)
	b.writeEvent(map[string]any{"type": role, "text": text})
}

// flushTranscripts drains the accumulated buffers at a turn boundary.
func (b *Bridge) flushTranscripts(ctx context.Context) {
	if !b.accumulate {
		return
	}
	if text := strings.TrimSpace(b.userText.String()); text != "" {
		b.saveTranscript(ctx, "user", text)
	}
	if text := strings.TrimSpace(b.agentText.String()); text != "" {
		b.saveTranscript(ctx, "agent", text)
	}
	b.userText.Reset()
	b.agentText.Reset()
}

func (b *Bridge) saveTranscript(ctx context.Context, role, text string) {
	if b.sink == nil {
		return
	}
	if err := b.sink.SaveTranscript(ctx, role, text); err != nil {
		b.logger.Printf("bridge: transcript save failed: %v", err)
	}
}

func (b *Bridge) writeEvent(v any) {
	if err := b.transport.WriteEvent(v); err != nil {
		b.logger.Printf("bridge: event write failed: %v", err)
	}
}
