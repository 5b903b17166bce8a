package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/provider"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// configWait bounds how long a client may sit on an open socket before
// sending its session config.
const configWait = 10 * time.Second

// sessionRequest is the first message a direct client sends after the
// websocket opens. It selects the backend and configures the session.
type sessionRequest struct {
	Provider        string `json:"provider"`
	Voice           string `json:"voice"`
	Language        string `json:"language"`
	SystemPrompt    string `json:"systemPrompt"`
	AffectiveDialog bool   `json:"affectiveDialog"`
	ProactiveAudio  bool   `json:"proactiveAudio"`
	GoogleSearch    bool   `json:"googleSearch"`
}

func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("media: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if !r.registry.Add() {
		r.logger.Printf("media: rejecting session, server draining")
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "server is shutting down"})
		return
	}
	defer r.registry.Done()

	_ = conn.SetReadDeadline(time.Now().Add(configWait))
	var sr sessionRequest
	if err := conn.ReadJSON(&sr); err != nil {
		r.logger.Printf("media: bad session config: %v", err)
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "expected session config as first message"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Resolve the backend before touching anything upstream. An unknown
	// provider never opens a backend connection.
	p, err := r.providers.Get(sr.Provider)
	if err != nil {
		r.logger.Printf("media: %v", err)
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	session, err := p.Connect(ctx, provider.SessionConfig{
		Voice:           sr.Voice,
		Language:        sr.Language,
		SystemPrompt:    sr.SystemPrompt,
		Tools:           r.tools.Declarations(),
		AffectiveDialog: sr.AffectiveDialog,
		ProactiveAudio:  sr.ProactiveAudio,
		GoogleSearch:    sr.GoogleSearch,
	})
	if err != nil {
		r.logger.Printf("media: %s connect failed: %v", sr.Provider, err)
		captureError(req, err, "media: provider connect failed")
		// Background context so the alert outlives this handler.
		r.discord.NotifyProviderDown(context.Background(), sr.Provider, err.Error())
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "backend connection failed"})
		return
	}

	sessionID := uuid.NewString()
	if err := conn.WriteJSON(map[string]any{
		"type":             "session_started",
		"sessionId":        sessionID,
		"provider":         p.Name(),
		"outputSampleRate": p.OutputSampleRate(),
	}); err != nil {
		_ = session.Close()
		return
	}

	r.logger.Printf("media: session %s started provider=%s voice=%q lang=%q", sessionID, p.Name(), sr.Voice, sr.Language)

	b := bridge.New(bridge.Options{
		Transport: bridge.NewDirectTransport(conn, r.logger),
		Session:   session,
		Tools:     r.tools,
		Logger:    r.logger,
	})
	if err := b.Run(ctx); err != nil {
		r.logger.Printf("media: session %s ended with error: %v", sessionID, err)
		return
	}
	r.logger.Printf("media: session %s ended", sessionID)
}
