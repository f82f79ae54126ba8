package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	WebRTC    WebRTCConfig
	AWS       AWSConfig
	Media     MediaConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// CORSConfig controls cross-origin access for browsers. AllowedOrigins also
// restricts WebSocket upgrades.
type CORSConfig struct {
	AllowedOrigins []string // "*" allows any origin
	AllowedHeaders []string
	AllowedMethods []string
	MaxAgeSec      int
}

// RateLimitConfig holds per-client request budgets. Limiting needs Redis and
// is off when Requests is 0.
type RateLimitConfig struct {
	Requests      int
	WindowSec     int
	AuthRequests  int
	AuthWindowSec int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. Empty Addr disables cross-instance
// fan-out and the media cleanup queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret           string
	AccessTTLMinutes int
	RefreshTTLHours  int
}

// WebSocketConfig holds the realtime endpoint timers.
type WebSocketConfig struct {
	AuthGraceSec       int
	AuthCloseDelayMS   int
	HeartbeatSec       int
	CallRingTimeoutSec int
	SendBuffer         int
}

// WebRTCConfig holds STUN/TURN servers handed to call participants.
type WebRTCConfig struct {
	ICEUrls        []string // comma-separated in env
	TURNUsername   string
	TURNCredential string
}

// AWSConfig holds AWS credentials and the media bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	PresignExpireMinutes int
}

// MediaConfig holds upload limits.
type MediaConfig struct {
	MaxUploadBytes int64
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Window is the general rate limit window.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// AuthWindow is the rate limit window for login and registration.
func (c RateLimitConfig) AuthWindow() time.Duration {
	return time.Duration(c.AuthWindowSec) * time.Second
}

// AuthGrace is how long an unauthenticated socket may wait for an auth frame.
func (c WebSocketConfig) AuthGrace() time.Duration {
	return time.Duration(c.AuthGraceSec) * time.Second
}

// AuthCloseDelay is the pause between TOKEN_REFRESH_REQUIRED and the close frame.
func (c WebSocketConfig) AuthCloseDelay() time.Duration {
	return time.Duration(c.AuthCloseDelayMS) * time.Millisecond
}

// HeartbeatInterval is the dead-peer ping period.
func (c WebSocketConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// CallRingTimeout is how long a call may ring before it is marked missed.
func (c WebSocketConfig) CallRingTimeout() time.Duration {
	return time.Duration(c.CallRingTimeoutSec) * time.Second
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT_SEC", 30),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
			AllowedHeaders: splitTrim(getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Auth-Token"), ","),
			AllowedMethods: splitTrim(getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS"), ","),
			MaxAgeSec:      getEnvInt("CORS_MAX_AGE_SEC", 86400),
		},
		RateLimit: RateLimitConfig{
			Requests:      getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
			WindowSec:     getEnvInt("RATE_LIMIT_WINDOW_SEC", 15*60),
			AuthRequests:  getEnvInt("RATE_LIMIT_AUTH_MAX_REQUESTS", 5),
			AuthWindowSec: getEnvInt("RATE_LIMIT_AUTH_WINDOW_SEC", 60),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "onyxchat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:           getEnv("JWT_SECRET", "change-me-in-production"),
			AccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 60),
			RefreshTTLHours:  getEnvInt("JWT_REFRESH_TTL_HOURS", 24*7),
		},
		WebSocket: WebSocketConfig{
			AuthGraceSec:       getEnvInt("WS_AUTH_GRACE_SEC", 10),
			AuthCloseDelayMS:   getEnvInt("WS_AUTH_CLOSE_DELAY_MS", 1000),
			HeartbeatSec:       getEnvInt("WS_HEARTBEAT_SEC", 30),
			CallRingTimeoutSec: getEnvInt("CALL_RING_TIMEOUT_SEC", 30),
			SendBuffer:         getEnvInt("WS_SEND_BUFFER", 256),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:        splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername:   getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNCredential: getEnv("WEBRTC_TURN_CREDENTIAL", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "onyxchat-media"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Media: MediaConfig{
			MaxUploadBytes: int64(getEnvInt("MEDIA_MAX_UPLOAD_MB", 10)) * 1024 * 1024,
		},
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET must not be empty")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
