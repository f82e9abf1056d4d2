package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relay configuration
type Config struct {
	Port           int
	PublicHost     string // Externally reachable host for TwiML callbacks (defaults to the request Host)
	AllowedOrigins []string
	MaxSessions    int
	SessionTimeout time.Duration

	RedisURL      string
	RedisPassword string

	// Voice-AI backend
	OpenAIKey     string
	RealtimeURL   string
	RealtimeModel string
	Instructions  string
	Greeting      string // Empty disables the opening response.create

	// Audio format shared by both legs. No transcoding happens anywhere in
	// the relay, so a mismatch between legs cannot be expressed.
	AudioEncoding   string
	AudioSampleRate int
	AudioChannels   int

	CommitInterval time.Duration

	// Monitor fan-out
	MonitorEnabled bool
	MonitorKey     string

	// Twilio REST credentials for the outbound-call trigger
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioNumber     string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:            8080,
		AllowedOrigins:  []string{"*"},
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		RedisURL:        "localhost:6379",
		RedisPassword:   "",
		RealtimeURL:     "wss://api.openai.com/v1/realtime",
		RealtimeModel:   "gpt-4o-realtime",
		AudioEncoding:   "mulaw",
		AudioSampleRate: 8000,
		AudioChannels:   1,
		CommitInterval:  400 * time.Millisecond,
		MonitorEnabled:  false,
	}

	// Required: OPENAI_API_KEY
	config.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	if config.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: PUBLIC_HOST
	if host := os.Getenv("PUBLIC_HOST"); host != "" {
		config.PublicHost = host
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: REALTIME_URL
	if realtimeURL := os.Getenv("REALTIME_URL"); realtimeURL != "" {
		config.RealtimeURL = realtimeURL
	}

	// Optional: REALTIME_MODEL
	if model := os.Getenv("REALTIME_MODEL"); model != "" {
		config.RealtimeModel = model
	}

	// Optional: SYSTEM_INSTRUCTIONS (persona text for the voice backend)
	if instructions := os.Getenv("SYSTEM_INSTRUCTIONS"); instructions != "" {
		config.Instructions = instructions
	}

	// Optional: GREETING
	if greeting := os.Getenv("GREETING"); greeting != "" {
		config.Greeting = greeting
	}

	// Optional: AUDIO_ENCODING
	if encoding := os.Getenv("AUDIO_ENCODING"); encoding != "" {
		config.AudioEncoding = encoding
	}

	// Optional: AUDIO_SAMPLE_RATE (in Hz)
	if rate := os.Getenv("AUDIO_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid AUDIO_SAMPLE_RATE: %w", err)
		}
		config.AudioSampleRate = r
	}

	// Optional: AUDIO_CHANNELS
	if channels := os.Getenv("AUDIO_CHANNELS"); channels != "" {
		c, err := strconv.Atoi(channels)
		if err != nil {
			return nil, fmt.Errorf("invalid AUDIO_CHANNELS: %w", err)
		}
		config.AudioChannels = c
	}

	// Optional: COMMIT_INTERVAL_MS
	if interval := os.Getenv("COMMIT_INTERVAL_MS"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid COMMIT_INTERVAL_MS: %w", err)
		}
		if i <= 0 {
			return nil, fmt.Errorf("invalid COMMIT_INTERVAL_MS: must be positive")
		}
		config.CommitInterval = time.Duration(i) * time.Millisecond
	}

	// Optional: MONITOR_ENABLED ("true" / "false")
	if enabled := os.Getenv("MONITOR_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid MONITOR_ENABLED: %w", err)
		}
		config.MonitorEnabled = b
	}

	// Optional: MONITOR_KEY (shared secret; empty means no key check)
	if key := os.Getenv("MONITOR_KEY"); key != "" {
		config.MonitorKey = key
	}

	// Optional: Twilio REST credentials (only needed for the /call trigger)
	config.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	config.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	config.TwilioNumber = os.Getenv("TWILIO_NUMBER")

	return config, nil
}
