package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all gateway settings, loaded from the environment.
type Config struct {
	ListenAddr string

	// Streaming recognition provider.
	ASRURL       string
	ASRAppID     int
	ASRAppKey    string
	ASRDevPID    int
	ASRCUID      string
	ASRHeartbeat time.Duration
	TokenURL     string
	TokenAPIKey  string
	TokenSecret  string

	// Conversational agent provider.
	AgentBaseURL string
	AgentToken   string
	AgentBotID   string
	AgentUserID  string

	// Default synthesis parameters.
	DefaultVoiceID    string
	DefaultSpeedRatio float64

	// Session timing.
	HeartbeatInterval time.Duration
	KeepAliveInterval time.Duration
	KeepAliveGap      time.Duration
	PaceInterval      time.Duration
	FallbackIdleDelay time.Duration
	TurnTimeout       time.Duration

	// IoT command platform.
	IoTURL      string
	IoTTokenURL string

	FFmpegPath string
	DBPath     string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		ASRURL:       getEnv("ASR_URL", "wss://vop.example.com/realtime_asr"),
		ASRAppID:     getEnvInt("ASR_APP_ID", 0),
		ASRAppKey:    getEnv("ASR_APP_KEY", ""),
		ASRDevPID:    getEnvInt("ASR_DEV_PID", 15372),
		ASRCUID:      getEnv("ASR_CUID", "voice-gateway"),
		ASRHeartbeat: getEnvDuration("ASR_HEARTBEAT", 3*time.Second),
		TokenURL:     getEnv("TOKEN_URL", "https://auth.example.com/oauth/2.0/token"),
		TokenAPIKey:  getEnv("TOKEN_API_KEY", ""),
		TokenSecret:  getEnv("TOKEN_SECRET_KEY", ""),

		AgentBaseURL: getEnv("AGENT_BASE_URL", "https://api.agent.example.com"),
		AgentToken:   getEnv("AGENT_TOKEN", ""),
		AgentBotID:   getEnv("AGENT_BOT_ID", ""),
		AgentUserID:  getEnv("AGENT_USER_ID", "gateway"),

		DefaultVoiceID:    getEnv("DEFAULT_VOICE_ID", "default"),
		DefaultSpeedRatio: getEnvFloat("DEFAULT_SPEED_RATIO", 1.0),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		KeepAliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 500*time.Millisecond),
		KeepAliveGap:      getEnvDuration("KEEPALIVE_GAP", 800*time.Millisecond),
		PaceInterval:      getEnvDuration("PACE_INTERVAL", 50*time.Millisecond),
		FallbackIdleDelay: getEnvDuration("FALLBACK_IDLE_DELAY", 2*time.Second),
		TurnTimeout:       getEnvDuration("TURN_TIMEOUT", 30*time.Second),

		IoTURL:      getEnv("IOT_URL", ""),
		IoTTokenURL: getEnv("IOT_TOKEN_URL", ""),

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		DBPath:     getEnv("DB_PATH", "voice-gateway.db"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
