package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/voxbridge/voxbridge/internal/eventlog"
	"github.com/voxbridge/voxbridge/internal/store"
)

// Minimal TwiML (enough to start Media Streams).
// Twilio expects Content-Type: text/xml.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *twimlHangup  `xml:"Hangup,omitempty"`
	Reject  *twimlReject  `xml:"Reject,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlHangup struct{}

type twimlReject struct {
	Reason string `xml:"reason,attr,omitempty"` // "rejected" or "busy"
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	out, _ := xml.MarshalIndent(resp, "", "  ")
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// verifyTwilioSignature checks the X-Twilio-Signature header: HMAC-SHA1 of
// the full request URL plus the sorted POST params, keyed by the auth token.
// Validation is skipped when no auth token is configured (local development).
func (r *Router) verifyTwilioSignature(req *http.Request) bool {
	if r.cfg.TwilioAuthToken == "" {
		return true
	}

	url := strings.TrimRight(r.cfg.PublicBaseURL, "/") + req.URL.RequestURI()

	keys := make([]string, 0, len(req.PostForm))
	for k := range req.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(url)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(req.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(r.cfg.TwilioAuthToken))
	mac.Write([]byte(sb.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	got := req.Header.Get("X-Twilio-Signature")
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (r *Router) handleTwilioInbound(w http.ResponseWriter, req *http.Request) {
	// Twilio sends application/x-www-form-urlencoded by default.
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !r.verifyTwilioSignature(req) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	// During a drain, answer with busy so the call rings through to the
	// carrier's voicemail instead of opening a doomed stream.
	if r.registry != nil && r.registry.IsDraining() {
		r.logger.Printf("inbound: rejecting call, server draining")
		writeTwiML(w, twimlResponse{Reject: &twimlReject{Reason: "busy"}})
		return
	}

	callSid := req.FormValue("CallSid")
	from := req.FormValue("From")
	to := req.FormValue("To")

	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	// Look up the persona assigned to the called number
	persona, _, err := r.store.GetPersonaByNumber(req.Context(), to)
	if err != nil {
		if err != store.ErrNotFound {
			captureError(req, err, "inbound: persona lookup failed")
		}
		r.logger.Printf("inbound: call %s to unconfigured number %s", callSid, to)
		writeTwiML(w, twimlResponse{
			Say:    &twimlSay{Text: "Sorry, this number is not configured. Goodbye."},
			Hangup: &twimlHangup{},
		})
		return
	}

	r.logger.Printf("inbound: call %s routed to persona %s (%s, provider=%s)", callSid, persona.ID, persona.Name, persona.Provider)

	pid := persona.ID
	if err := r.store.CreateCall(req.Context(), store.Call{
		CallSid:    callSid,
		PersonaID:  &pid,
		Provider:   persona.Provider,
		FromNumber: from,
		ToNumber:   to,
		Direction:  "inbound",
		Status:     "in_progress",
		StartedAt:  nowUTC(),
	}); err != nil {
		captureError(req, err, "inbound: call record failed")
	}

	if callID, err := r.store.GetCallID(req.Context(), callSid); err == nil {
		r.eventLog.LogAsync(callID, eventlog.EventCallStarted, map[string]any{
			"from":     from,
			"to":       to,
			"provider": persona.Provider,
		})
	}

	// Start a media stream to our websocket.
	wsBase := wsURLFromPublicBase(r.cfg.PublicBaseURL)
	mediaURL := strings.TrimRight(wsBase, "/") + "/telephony/media"

	writeTwiML(w, twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{
				URL: mediaURL,
				Parameters: []twimlParameter{
					{Name: "callSid", Value: callSid},
					{Name: "personaId", Value: persona.ID},
					{Name: "provider", Value: persona.Provider},
				},
			},
		},
	})
}

func (r *Router) handleTwilioStatus(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	if !r.verifyTwilioSignature(req) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callSid := req.FormValue("CallSid")
	status := req.FormValue("CallStatus") // queued/ringing/in-progress/completed/...

	if callSid != "" && status != "" {
		var duration *int
		if d := req.FormValue("CallDuration"); d != "" {
			if secs, err := strconv.Atoi(d); err == nil {
				duration = &secs
			}
		}
		if err := r.store.UpdateCallStatus(req.Context(), callSid, status, nowUTC(), duration); err != nil {
			r.logger.Printf("status: update for %s failed: %v", callSid, err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
