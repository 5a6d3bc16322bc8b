// Package config loads gateway settings from an optional YAML file with
// environment variable overrides. Environment always wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"
)

const DefaultUpstreamBaseURL = "https://daily-cloudcode-pa.sandbox.googleapis.com"

// Config holds every runtime setting of the gateway.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`

	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthTokenURL     string `yaml:"oauth_token_url"`

	TokenFile     string `yaml:"token_file"`
	RotationCount int    `yaml:"token_rotation_count"`

	APIKeys []string `yaml:"api_keys"`

	ImageDir     string `yaml:"image_dir"`
	ImageBaseURL string `yaml:"image_base_url"`
	MaxImages    int    `yaml:"max_images"`

	SSEHeartbeatSeconds int `yaml:"sse_heartbeat_seconds"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8000,
		UpstreamBaseURL:     DefaultUpstreamBaseURL,
		OAuthTokenURL:       google.Endpoint.TokenURL,
		TokenFile:           "data/tokens.json",
		RotationCount:       1,
		ImageDir:            "data/images",
		MaxImages:           10,
		SSEHeartbeatSeconds: 15,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			log.Infof("Loaded config file %s", path)
		case os.IsNotExist(err):
			log.Debugf("Config file %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	setString(&c.Host, "HOST")
	setInt(&c.Port, "PORT")
	setBool(&c.Debug, "DEBUG")
	setString(&c.LogFile, "LOG_FILE")
	setString(&c.UpstreamBaseURL, "GOOGLE_API_BASE")
	setString(&c.OAuthClientID, "OAUTH_CLIENT_ID")
	setString(&c.OAuthClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&c.OAuthTokenURL, "OAUTH_TOKEN_URL")
	setString(&c.TokenFile, "TOKEN_FILE")
	setInt(&c.RotationCount, "TOKEN_ROTATION_COUNT")
	setString(&c.ImageDir, "IMAGE_DIR")
	setString(&c.ImageBaseURL, "IMAGE_BASE_URL")
	setInt(&c.MaxImages, "MAX_IMAGES")
	setInt(&c.SSEHeartbeatSeconds, "SSE_HEARTBEAT_SECONDS")

	if raw := os.Getenv("API_KEYS"); raw != "" {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			log.Warnf("API_KEYS is not a JSON list, ignoring: %v", err)
		} else {
			c.APIKeys = keys
		}
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RotationCount < 1 {
		c.RotationCount = 1
	}
	if c.MaxImages < 1 {
		c.MaxImages = 10
	}
	if c.SSEHeartbeatSeconds < 1 {
		c.SSEHeartbeatSeconds = 15
	}
	c.UpstreamBaseURL = strings.TrimRight(c.UpstreamBaseURL, "/")
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatInterval returns the SSE heartbeat period for image models.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.SSEHeartbeatSeconds) * time.Second
}

// ValidateAPIKey reports whether key is one of the configured API keys.
// With no keys configured every key is accepted; main logs a warning.
func (c *Config) ValidateAPIKey(key string) bool {
	if len(c.APIKeys) == 0 {
		return true
	}
	for _, k := range c.APIKeys {
		if k != "" && k == key {
			return true
		}
	}
	return false
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = n
}

func setBool(dst *bool, name string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "":
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		log.Warnf("Ignoring %s=%q: not a boolean", name, v)
	}
}
