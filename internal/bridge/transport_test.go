package bridge

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPipe returns two ends of a live WebSocket connection: local for the
// transport under test, remote playing the peer.
func wsPipe(t *testing.T) (local, remote *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
		// Parked here; the test owns both ends.
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	local, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case remote = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
	}
	t.Cleanup(func() { local.Close(); remote.Close() })
	return local, remote
}

func TestDirectReadFrame(t *testing.T) {
	local, remote := wsPipe(t)
	tr := NewDirectTransport(local, nil)

	remote.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	f, err := tr.ReadFrame()
	if err != nil || f.Kind != FrameAudio || len(f.Audio) != 3 {
		t.Fatalf("binary frame = %+v, %v", f, err)
	}

	// Junk control frames are skipped, the next text frame comes through.
	remote.WriteMessage(websocket.TextMessage, []byte("not json"))
	remote.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	remote.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","text":"hello"}`))
	f, err = tr.ReadFrame()
	if err != nil || f.Kind != FrameText || f.Text != "hello" {
		t.Fatalf("text frame = %+v, %v", f, err)
	}

	remote.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f, err = tr.ReadFrame()
	if err != nil || f.Kind != FrameClose {
		t.Fatalf("close frame = %+v, %v", f, err)
	}
}

func TestDirectWrites(t *testing.T) {
	local, remote := wsPipe(t)
	tr := NewDirectTransport(local, nil)

	if err := tr.WriteAudio([]byte{9, 9}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	mt, data, err := remote.ReadMessage()
	if err != nil || mt != websocket.BinaryMessage || len(data) != 2 {
		t.Fatalf("peer got mt=%d data=%v err=%v", mt, data, err)
	}

	if err := tr.WriteEvent(map[string]any{"type": "turn_complete"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	var ev map[string]any
	if err := remote.ReadJSON(&ev); err != nil || ev["type"] != "turn_complete" {
		t.Fatalf("peer got %v, %v", ev, err)
	}
}

func TestTelephonyReadFrame(t *testing.T) {
	local, remote := wsPipe(t)
	tr := NewTelephonyTransport(local, 24000, "", nil)

	remote.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        "MZ123",
			"customParameters": map[string]any{"provider": "gemini"},
		},
	})
	// 160 mulaw bytes = 20ms at 8kHz; upsampled to 16kHz PCM it doubles
	// to 320 samples (640 bytes).
	mulaw := make([]byte, 160)
	for i := range mulaw {
		mulaw[i] = 0xFF // mulaw silence
	}
	remote.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(mulaw)},
	})
	remote.WriteJSON(map[string]any{"event": "mark"})
	remote.WriteJSON(map[string]any{"event": "stop"})

	f, err := tr.ReadFrame()
	if err != nil || f.Kind != FrameAudio {
		t.Fatalf("media frame = %+v, %v", f, err)
	}
	if len(f.Audio) != 640 {
		t.Errorf("PCM length = %d, want 640", len(f.Audio))
	}
	if tr.StreamSid() != "MZ123" {
		t.Errorf("streamSid = %q", tr.StreamSid())
	}

	// mark is swallowed, stop ends the stream.
	f, err = tr.ReadFrame()
	if err != nil || f.Kind != FrameClose {
		t.Fatalf("stop frame = %+v, %v", f, err)
	}
}

func TestTelephonyWriteAudioFraming(t *testing.T) {
	local, remote := wsPipe(t)
	tr := NewTelephonyTransport(local, 24000, "MZ999", nil)

	// 480 samples at 24kHz downsample to 160 at 8kHz, one mulaw byte each.
	pcm := make([]byte, 960)
	if err := tr.WriteAudio(pcm); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	_, data, err := remote.ReadMessage()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	var frame struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event != "media" || frame.StreamSid != "MZ999" {
		t.Errorf("frame = %+v", frame)
	}
	mulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil || len(mulaw) != 160 {
		t.Errorf("payload = %d mulaw bytes (%v), want 160", len(mulaw), err)
	}
}

func TestTelephonyRequiresStreamSid(t *testing.T) {
	local, _ := wsPipe(t)
	tr := NewTelephonyTransport(local, 24000, "", nil)

	// Audio before start is dropped, not an error.
	if err := tr.WriteAudio(make([]byte, 480)); err != nil {
		t.Errorf("WriteAudio without sid = %v, want silent drop", err)
	}
	if err := tr.ClearPlayback(); err == nil {
		t.Error("ClearPlayback without sid should fail")
	}
}

func TestTelephonyClearPlayback(t *testing.T) {
	local, remote := wsPipe(t)
	tr := NewTelephonyTransport(local, 16000, "MZ1", nil)

	if err := tr.ClearPlayback(); err != nil {
		t.Fatalf("ClearPlayback: %v", err)
	}
	var frame map[string]any
	if err := remote.ReadJSON(&frame); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if frame["event"] != "clear" || frame["streamSid"] != "MZ1" {
		t.Errorf("frame = %v", frame)
	}
}
