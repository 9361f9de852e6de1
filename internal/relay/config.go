package relay

import (
	"crypto/rand"
	"os"
)

// Config carries the relay's runtime settings, read from the
// environment.
type Config struct {
	ListenAddr   string // Optional: address to serve on (default :8080)
	DatabaseFile string // Optional: path to the SQLite database file (default ./relay.db)
	JWTSecret    string // Optional: HS256 signing secret; generated per-process when unset
	LogLevel     string // Optional: debug, info, warn, error (default info)
	LogFormat    string // Optional: json or text (default json)
}

// LoadConfig reads configuration from the environment, applying
// defaults for anything unset.
func LoadConfig() Config {
	return Config{
		ListenAddr:   getEnvOrDefault("RELAY_LISTEN_ADDR", ":8080"),
		DatabaseFile: getEnvOrDefault("RELAY_DATABASE_FILE", "relay.db"),
		JWTSecret:    os.Getenv("RELAY_JWT_SECRET"),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:    getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

// Secret returns the configured signing secret, or a random
// per-process one. A random secret invalidates all tokens on restart.
func (c Config) Secret() []byte {
	if c.JWTSecret != "" {
		return []byte(c.JWTSecret)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("no entropy available: " + err.Error())
	}
	return b
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
