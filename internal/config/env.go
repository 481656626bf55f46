package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Env holds settings taken from the environment and an optional .env file
type Env struct {
	HAURL        string
	HAToken      string
	ReadOnly     bool
	RulesFile    string
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	APIPort      int
	Timezone     string
	LogLevel     string
}

// LoadEnv reads .env (if present) and the process environment
func LoadEnv(logger *zap.Logger) (*Env, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	env := &Env{
		HAURL:        os.Getenv("HA_URL"),
		HAToken:      os.Getenv("HA_TOKEN"),
		ReadOnly:     os.Getenv("READ_ONLY") == "true",
		RulesFile:    getenv("RULES_FILE", "rules.yaml"),
		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTClientID: getenv("MQTT_CLIENT_ID", "homerules"),
		MQTTUsername: os.Getenv("MQTT_USERNAME"),
		MQTTPassword: os.Getenv("MQTT_PASSWORD"),
		APIPort:      8081,
		Timezone:     os.Getenv("TIMEZONE"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
	}

	if port := os.Getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", port)
		}
		env.APIPort = p
	}

	if env.HAURL == "" || env.HAToken == "" {
		return nil, fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}
	return env, nil
}

// Location resolves the configured timezone, falling back to the rules file
// setting and then to local time
func (e *Env) Location(fallback string) (*time.Location, error) {
	name := e.Timezone
	if name == "" {
		name = fallback
	}
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
