package app

import (
	"os"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	SentryDSN     string

	// Twilio webhook signature validation
	TwilioAuthToken string

	// Voice AI providers. A provider is registered only when its key is set.
	GeminiAPIKey        string
	GeminiModel         string
	OpenAIAPIKey        string
	OpenAIRealtimeModel string
	ElevenLabsAPIKey    string
	ElevenLabsAgentID   string

	// JWT Authentication for the read API
	JWTSecret string
	JWTExpiry time.Duration

	// Notifications
	DiscordWebhookURL string
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		TwilioAuthToken: getenv("TWILIO_AUTH_TOKEN", ""),

		// Voice AI providers
		GeminiAPIKey:        getenv("GEMINI_API_KEY", ""),
		GeminiModel:         getenv("GEMINI_MODEL", ""),
		OpenAIAPIKey:        getenv("OPENAI_API_KEY", ""),
		OpenAIRealtimeModel: getenv("OPENAI_REALTIME_MODEL", ""),
		ElevenLabsAPIKey:    getenv("ELEVENLABS_API_KEY", ""),
		ElevenLabsAgentID:   getenv("ELEVENLABS_AGENT_ID", ""),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: jwtExpiry,

		// Notifications
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
