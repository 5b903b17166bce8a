package bridge

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// DirectTransport serves a browser WebSocket. Binary frames carry raw PCM
// both ways (16kHz in, provider rate out), text frames carry the JSON
// control protocol.
type DirectTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *log.Logger
}

// NewDirectTransport wraps an upgraded browser connection.
func NewDirectTransport(conn *websocket.Conn, logger *log.Logger) *DirectTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &DirectTransport{conn: conn, logger: logger}
}

// ReadFrame reads the next audio chunk or text message. Control frames it
// does not understand are skipped.
func (t *DirectTransport) ReadFrame() (Frame, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return Frame{Kind: FrameClose}, nil
			}
			return Frame{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return Frame{Kind: FrameAudio, Audio: data}, nil
		case websocket.TextMessage:
			var msg struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "text" {
				t.logger.Printf("direct: ignoring unrecognized client frame")
				continue
			}
			return Frame{Kind: FrameText, Text: msg.Text}, nil
		}
	}
}

// WriteAudio sends provider audio as one binary frame.
func (t *DirectTransport) WriteAudio(pcm []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// WriteEvent sends one JSON control message.
func (t *DirectTransport) WriteEvent(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// ClearPlayback is a no-op: the browser reacts to the interrupted event by
// dropping its own playback queue.
func (t *DirectTransport) ClearPlayback() error { return nil }

// Close closes the underlying connection.
func (t *DirectTransport) Close() error {
	return t.conn.Close()
}
