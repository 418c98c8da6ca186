package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	JWTSecret     string
	JWTTTLMin     int
	DatabaseDSN   string
	RedisAddr     string
	RedisChannel  string
	UploadDir     string
	PublicBaseURL string
	CORSOrigins   []string
	LogLevel      string

	Client ClientConfig
}

// ClientConfig feeds the chat client used by the CLI.
type ClientConfig struct {
	ServerURL         string
	AckTimeout        time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil {
		return def
	}
	return n
}

func getduration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil {
		return def
	}
	return d
}

func getlist(key, def string) []string {
	var out []string
	for _, part := range strings.Split(getenv(key, def), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MustLoad reads the optional .env file and the environment.
func MustLoad() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() Config {
	return Config{
		Addr:          getenv("HTTP_ADDR", ":8080"),
		JWTSecret:     getenv("JWT_SECRET", ""),
		JWTTTLMin:     getint("JWT_TTL_MIN", 1440),
		DatabaseDSN:   getenv("DATABASE_DSN", "file:gymchat.db?_pragma=foreign_keys(ON)"),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisChannel:  getenv("REDIS_CHANNEL", "gymchat:events"),
		UploadDir:     getenv("UPLOAD_DIR", "uploads"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", ""),
		CORSOrigins:   getlist("CORS_ORIGINS", "*"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Client: ClientConfig{
			ServerURL:         getenv("CHAT_SERVER_URL", "http://localhost:8080"),
			AckTimeout:        getduration("CHAT_ACK_TIMEOUT", 10*time.Second),
			ReconnectInitial:  getduration("CHAT_RECONNECT_INITIAL", time.Second),
			ReconnectMax:      getduration("CHAT_RECONNECT_MAX", 30*time.Second),
			ReconnectAttempts: getint("CHAT_RECONNECT_ATTEMPTS", 8),
		},
	}
}
