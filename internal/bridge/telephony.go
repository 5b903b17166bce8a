package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/audio"
)

// TelephonyTransport serves a Twilio Media Streams WebSocket. The carrier
// sends base64 mulaw 8kHz framed as JSON events; outbound audio goes back
// the same way, addressed with the streamSid from the start event.
type TelephonyTransport struct {
	conn         *websocket.Conn
	providerRate int
	logger       *log.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSid string
}

// NewTelephonyTransport wraps an upgraded media stream connection.
// providerRate is the sample rate of PCM handed to WriteAudio. streamSid
// may be empty; it is then taken from the start event, and outbound audio
// is dropped until one arrives.
func NewTelephonyTransport(conn *websocket.Conn, providerRate int, streamSid string, logger *log.Logger) *TelephonyTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &TelephonyTransport{
		conn:         conn,
		providerRate: providerRate,
		streamSid:    streamSid,
		logger:       logger,
	}
}

// Media stream frames, inbound and outbound.
type twilioFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	StreamSid string       `json:"streamSid,omitempty"`
}

type twilioMedia struct {
	Payload string `json:"payload"`
}

// ReadFrame decodes the next carrier event. Media payloads come back as
// PCM 16kHz; stop ends the stream; mark is accepted and ignored.
func (t *TelephonyTransport) ReadFrame() (Frame, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return Frame{Kind: FrameClose}, nil
			}
			return Frame{}, err
		}

		var frame twilioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Printf("telephony: ignoring malformed frame: %v", err)
			continue
		}

		switch frame.Event {
		case "start":
			if frame.Start != nil {
				t.setStreamSid(frame.Start.StreamSid)
				t.logger.Printf("telephony: stream started: %s", frame.Start.StreamSid)
			}
		case "media":
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				t.logger.Printf("telephony: bad media payload: %v", err)
				continue
			}
			return Frame{Kind: FrameAudio, Audio: audio.TelephonyIn(mulaw, 16000)}, nil
		case "stop":
			t.logger.Printf("telephony: stream stopped")
			return Frame{Kind: FrameClose}, nil
		case "mark":
			// playback position marker, unused
		}
	}
}

// WriteAudio converts provider PCM to mulaw 8kHz and sends it as a media
// event. Audio arriving before the streamSid is known gets dropped.
func (t *TelephonyTransport) WriteAudio(pcm []byte) error {
	sid := t.StreamSid()
	if sid == "" {
		return nil
	}
	mulaw := audio.TelephonyOut(pcm, t.providerRate)
	return t.writeJSON(map[string]any{
		"event":     "media",
		"streamSid": sid,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(mulaw),
		},
	})
}

// WriteEvent is a no-op: the carrier has no use for the JSON control
// protocol, transcripts reach storage through the sink instead.
func (t *TelephonyTransport) WriteEvent(any) error { return nil }

// ClearPlayback tells the carrier to flush its buffered playback.
func (t *TelephonyTransport) ClearPlayback() error {
	sid := t.StreamSid()
	if sid == "" {
		return fmt.Errorf("telephony: no streamSid yet")
	}
	return t.writeJSON(map[string]any{"event": "clear", "streamSid": sid})
}

// Close closes the underlying connection.
func (t *TelephonyTransport) Close() error {
	return t.conn.Close()
}

// StreamSid returns the current stream id, or empty if none was seen.
func (t *TelephonyTransport) StreamSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

func (t *TelephonyTransport) setStreamSid(sid string) {
	if sid == "" {
		return
	}
	t.mu.Lock()
	t.streamSid = sid
	t.mu.Unlock()
}

func (t *TelephonyTransport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}
