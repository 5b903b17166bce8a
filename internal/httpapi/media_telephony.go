package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/eventlog"
	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/store"
)

// startWait bounds how long we wait for Twilio's start message after the
// stream socket opens.
const startWait = 10 * time.Second

// streamStart is the subset of Twilio's start message the handler needs.
// Audio frames are decoded by the transport, not here.
type streamStart struct {
	Event string `json:"event"`
	Start struct {
		StreamSid    string            `json:"streamSid"`
		CallSid      string            `json:"callSid"`
		CustomParams map[string]string `json:"customParameters"`
	} `json:"start"`
}

// transcriptWriter persists finished transcript lines for one call.
type transcriptWriter struct {
	store  *store.Store
	callID string
}

func (t *transcriptWriter) SaveTranscript(ctx context.Context, role, text string) error {
	return t.store.InsertTranscript(ctx, t.callID, role, text)
}

func (r *Router) handleTelephonyMediaWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("telephony: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if !r.registry.Add() {
		r.logger.Printf("telephony: rejecting stream, server draining")
		return
	}
	defer r.registry.Done()

	// Twilio sends connected, then start with our custom parameters.
	_ = conn.SetReadDeadline(time.Now().Add(startWait))
	var start streamStart
	for start.Event != "start" {
		if err := conn.ReadJSON(&start); err != nil {
			r.logger.Printf("telephony: no start message: %v", err)
			return
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	streamSid := start.Start.StreamSid
	callSid := start.Start.CallSid
	if callSid == "" {
		callSid = start.Start.CustomParams["callSid"]
	}
	personaID := start.Start.CustomParams["personaId"]
	providerName := start.Start.CustomParams["provider"]

	r.logger.Printf("telephony: stream %s started for call %s (persona=%s provider=%s)", streamSid, callSid, personaID, providerName)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	persona, err := r.store.GetPersona(ctx, personaID)
	if err != nil {
		r.logger.Printf("telephony: persona %s lookup failed: %v", personaID, err)
		captureError(req, err, "telephony: persona lookup failed")
		return
	}
	if providerName == "" {
		providerName = persona.Provider
	}

	p, err := r.providers.Get(providerName)
	if err != nil {
		r.logger.Printf("telephony: %v", err)
		return
	}

	session, err := p.Connect(ctx, provider.SessionConfig{
		Voice:           persona.Voice,
		Language:        persona.Language,
		SystemPrompt:    persona.SystemPrompt,
		Tools:           r.tools.Declarations(),
		AffectiveDialog: persona.AffectiveDialog,
		ProactiveAudio:  persona.ProactiveAudio,
		GoogleSearch:    persona.GoogleSearch,
	})
	if err != nil {
		r.logger.Printf("telephony: %s connect failed: %v", providerName, err)
		captureError(req, err, "telephony: provider connect failed")
		// Background context so the alert outlives this handler.
		r.discord.NotifyProviderDown(context.Background(), providerName, err.Error())
		return
	}

	var sink bridge.TranscriptSink
	callID, err := r.store.GetCallID(ctx, callSid)
	if err != nil {
		r.logger.Printf("telephony: no call record for %s: %v", callSid, err)
	} else {
		sink = &transcriptWriter{store: r.store, callID: callID}
		r.eventLog.LogAsync(callID, eventlog.EventSessionStarted, map[string]any{
			"provider":  providerName,
			"streamSid": streamSid,
		})
	}

	var observe func(event string, data map[string]any)
	if callID != "" {
		observe = func(event string, data map[string]any) {
			r.eventLog.LogAsync(callID, eventlog.EventType(event), data)
		}
	}

	startedAt := nowUTC()
	b := bridge.New(bridge.Options{
		Transport:  bridge.NewTelephonyTransport(conn, p.OutputSampleRate(), streamSid, r.logger),
		Session:    session,
		Tools:      r.tools,
		Sink:       sink,
		Accumulate: true,
		Logger:     r.logger,
		Observe:    observe,
	})
	if err := b.Run(ctx); err != nil {
		r.logger.Printf("telephony: stream %s ended with error: %v", streamSid, err)
	} else {
		r.logger.Printf("telephony: stream %s ended", streamSid)
	}

	duration := time.Since(startedAt).Round(time.Second)
	if callID != "" {
		r.eventLog.LogAsync(callID, eventlog.EventCallEnded, map[string]any{
			"duration_sec": int(duration.Seconds()),
		})
	}

	// Best-effort call summary. The status webhook owns the call record.
	from := ""
	if callID != "" {
		if detail, err := r.store.GetCall(ctx, callID); err == nil {
			from = detail.Call.FromNumber
		}
	}
	r.discord.NotifyCallEnded(context.Background(), providerName, persona.Name, from, duration)
}
