package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/voxbridge/voxbridge/internal/eventlog"
	"github.com/voxbridge/voxbridge/internal/notifications"
	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/tools"
)

type RouterConfig struct {
	PublicBaseURL string

	// Twilio webhook signature validation (skipped when empty)
	TwilioAuthToken string

	// JWT Authentication for the read API
	JWTSecret string
	JWTExpiry time.Duration

	// Notifications
	DiscordWebhookURL string
}

type Router struct {
	cfg       RouterConfig
	logger    *log.Logger
	store     *store.Store
	eventLog  *eventlog.Logger
	providers *provider.Registry
	tools     *tools.Executor
	registry  *CallRegistry
	discord   *notifications.Discord
	mux       *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, providers *provider.Registry, executor *tools.Executor, registry *CallRegistry) http.Handler {
	r := &Router{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		eventLog:  eventLog,
		providers: providers,
		tools:     executor,
		registry:  registry,
		discord:   notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		mux:       http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Browser/SDK media stream (session config arrives as the first message)
	r.mux.HandleFunc("GET /media", r.handleMediaWS)

	// Twilio webhooks (no auth - signature verified)
	r.mux.HandleFunc("POST /telephony/inbound", r.handleTwilioInbound)
	r.mux.HandleFunc("POST /telephony/status", r.handleTwilioStatus)
	r.mux.HandleFunc("GET /telephony/media", r.handleTelephonyMediaWS)

	// Public API endpoints
	r.mux.HandleFunc("GET /api/providers", r.handleListProviders)

	// Protected API endpoints
	r.mux.HandleFunc("GET /api/calls", r.withAuth(r.handleListCalls))
	r.mux.HandleFunc("GET /api/calls/{id}", r.withAuth(r.handleGetCall))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if r.registry != nil && r.registry.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "draining",
			"active_calls": r.registry.ActiveCount(),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}
