package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxbridge/voxbridge/internal/eventlog"
	"github.com/voxbridge/voxbridge/internal/httpapi"
	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/provider/elevenlabs"
	"github.com/voxbridge/voxbridge/internal/provider/gemini"
	"github.com/voxbridge/voxbridge/internal/provider/openairt"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/tools"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	store      *store.Store
	eventLog   *eventlog.Logger
	providers  *provider.Registry
	tools      *tools.Executor
	httpClient *http.Client // Shared HTTP client with connection pooling for provider REST calls
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	// Shared HTTP client with connection pooling. Keeps TCP connections
	// alive for repeated voice-catalog calls to provider REST APIs.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	executor := tools.NewExecutor(logger)
	tools.RegisterBuiltins(executor, logger)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      s,
		eventLog:   el,
		providers:  provider.NewRegistry(),
		tools:      executor,
		httpClient: httpClient,
	}
	a.registerProviders()

	if len(a.providers.Names()) == 0 {
		a.Close()
		return nil, errors.New("no voice providers configured, set at least one API key")
	}

	return a, nil
}

// registerProviders wires up every backend that has credentials. Missing
// keys are logged and skipped so a partial deployment still serves the
// providers it can.
func (a *App) registerProviders() {
	if a.cfg.GeminiAPIKey != "" {
		a.providers.Register(gemini.New(gemini.Config{
			APIKey: a.cfg.GeminiAPIKey,
			Model:  a.cfg.GeminiModel,
			Logger: a.logger,
		}))
	} else {
		a.logger.Printf("app: GEMINI_API_KEY not set, gemini disabled")
	}

	if a.cfg.OpenAIAPIKey != "" {
		a.providers.Register(openairt.New(openairt.Config{
			APIKey: a.cfg.OpenAIAPIKey,
			Model:  a.cfg.OpenAIRealtimeModel,
			Logger: a.logger,
		}))
	} else {
		a.logger.Printf("app: OPENAI_API_KEY not set, openai disabled")
	}

	if a.cfg.ElevenLabsAPIKey != "" && a.cfg.ElevenLabsAgentID != "" {
		a.providers.Register(elevenlabs.New(elevenlabs.Config{
			APIKey:  a.cfg.ElevenLabsAPIKey,
			AgentID: a.cfg.ElevenLabsAgentID,
			HTTP:    a.httpClient,
			Logger:  a.logger,
		}))
	} else {
		a.logger.Printf("app: ELEVENLABS_API_KEY or ELEVENLABS_AGENT_ID not set, elevenlabs disabled")
	}
}

func (a *App) Router(registry *httpapi.CallRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:     a.cfg.PublicBaseURL,
		TwilioAuthToken:   a.cfg.TwilioAuthToken,
		JWTSecret:         a.cfg.JWTSecret,
		JWTExpiry:         a.cfg.JWTExpiry,
		DiscordWebhookURL: a.cfg.DiscordWebhookURL,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, a.providers, a.tools, registry)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
