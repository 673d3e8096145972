package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Finalization policies for turning accumulated transcript fragments into an
// utterance. See Config.FinalizePolicy.
const (
	FinalizeOnFragment = "fragment" // finalize on every non-empty final fragment
	FinalizeOnEOS      = "eos"      // finalize only on the utterance-end event
	FinalizeOnDebounce = "debounce" // finalize after a quiet period with no new fragments
)

// Config holds all configuration for the voice gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Deepgram TTS (speak WebSocket) configuration
	DeepgramTTSURL   string `envconfig:"DEEPGRAM_TTS_URL" default:"wss://api.deepgram.com/v1/speak?encoding=linear16&sample_rate=24000"`
	DeepgramTTSVoice string `envconfig:"DEEPGRAM_TTS_VOICE" default:"aura-asteria-en"`

	// Generation API (OpenAI-compatible; Groq by default)
	GenerationAPIKey      string  `envconfig:"GENERATION_API_KEY" required:"true"`
	GenerationBaseURL     string  `envconfig:"GENERATION_BASE_URL" default:"https://api.groq.com/openai/v1"`
	GenerationModel       string  `envconfig:"GENERATION_MODEL" default:"llama-3.3-70b-versatile"`
	GenerationTemperature float64 `envconfig:"GENERATION_TEMPERATURE" default:"0.8"`
	GenerationMaxTokens   int     `envconfig:"GENERATION_MAX_TOKENS" default:"150"`
	GenerationWorkers     int     `envconfig:"GENERATION_WORKERS" default:"4"` // worker pool size for blocking stream pulls

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Session store (Redis)
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	StoreTTLHours int    `envconfig:"STORE_TTL_HOURS" default:"720"` // conversation key TTL

	// Session orchestration
	MaxConcurrentSessions int    `envconfig:"MAX_CONCURRENT_SESSIONS" default:"10"`
	ConversationWindow    int    `envconfig:"CONVERSATION_WINDOW" default:"15"` // last N turns kept in prompt context
	KeepAliveInterval     int    `envconfig:"KEEP_ALIVE_INTERVAL" default:"30"` // seconds between pings to the client
	FinalizePolicy        string `envconfig:"FINALIZE_POLICY" default:"fragment"`
	FinalizeDebounceMs    int    `envconfig:"FINALIZE_DEBOUNCE_MS" default:"400"` // quiet period for the debounce policy

	// Synthesis receive policy
	SilenceTimeoutMs int `envconfig:"SILENCE_TIMEOUT_MS" default:"200"` // per-receive timeout while draining audio
	MaxTimeouts      int `envconfig:"MAX_TIMEOUTS" default:"5"`         // consecutive timeouts before giving up on a chunk

	DuplicateFinalWindowMs int `envconfig:"DUPLICATE_FINAL_WINDOW_MS" default:"1500"` // identical finals inside this window are service re-sends

	// Resilience configuration
	ConnectMaxAttempts         int `envconfig:"CONNECT_MAX_ATTEMPTS" default:"3"`           // external connect attempts
	ConnectBackoff             int `envconfig:"CONNECT_BACKOFF" default:"1000"`             // initial backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks config values that envconfig tags cannot express
func (c *Config) Validate() error {
	switch c.FinalizePolicy {
	case FinalizeOnFragment, FinalizeOnEOS, FinalizeOnDebounce:
	default:
		return fmt.Errorf("invalid FINALIZE_POLICY %q (want %s, %s or %s)",
			c.FinalizePolicy, FinalizeOnFragment, FinalizeOnEOS, FinalizeOnDebounce)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions)
	}
	if c.ConversationWindow <= 0 {
		return fmt.Errorf("CONVERSATION_WINDOW must be positive, got %d", c.ConversationWindow)
	}
	return nil
}
