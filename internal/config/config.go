// Package config handles Almanac configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/almanac/config.yaml, /etc/almanac/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "almanac", "config.yaml"))
	}

	paths = append(paths, "/etc/almanac/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Almanac configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Auth      AuthConfig      `yaml:"auth"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Contacts  ContactsConfig  `yaml:"contacts"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Assistant AssistantConfig `yaml:"assistant"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the completion service settings. The endpoint is
// any OpenAI-compatible chat completions API.
type ModelsConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Default     string  `yaml:"default"`
	Extractor   string  `yaml:"extractor"`   // model for time-range extraction; defaults to Default
	Temperature float64 `yaml:"temperature"` // chat temperature (default 0.7)
}

// CalendarConfig selects and configures the calendar provider.
type CalendarConfig struct {
	// Provider is "google" (REST, access token from the session) or
	// "caldav" (basic auth against a CalDAV server).
	Provider string `yaml:"provider"`

	// DefaultID is the calendar used when a tool call names none.
	DefaultID string `yaml:"default_id"`

	// DefaultTimeZone is the fallback zone when neither the tool call
	// nor the calendar itself carries one.
	DefaultTimeZone string `yaml:"default_time_zone"`

	Google GoogleConfig `yaml:"google"`
	CalDAV CalDAVConfig `yaml:"caldav"`
}

// GoogleConfig defines the Google-style REST calendar endpoint.
type GoogleConfig struct {
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`
}

// CalDAVConfig defines a CalDAV calendar backend.
type CalDAVConfig struct {
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	CalendarPath       string `yaml:"calendar_path"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// AuthConfig defines how callers authenticate to the API.
type AuthConfig struct {
	// APIKey is the bearer token callers must present. Ignored when
	// APIKeyHash is set.
	APIKey string `yaml:"api_key"`
	// APIKeyHash is a bcrypt hash of the bearer token. Preferred over
	// APIKey so the secret never lives in the config file.
	APIKeyHash string `yaml:"api_key_hash"`
	// UserEmail is the calendar identity of the authenticated caller.
	UserEmail string `yaml:"user_email"`
	// CalendarToken is the access token handed to the calendar provider
	// on behalf of the session.
	CalendarToken string `yaml:"calendar_token"`
}

// SMTPConfig defines the outbound mail server used for event invitations.
// Invitations are disabled when Host is empty.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
	From     string `yaml:"from"`
}

// ContactsConfig points at a vCard address book used to resolve
// attendee names to email addresses.
type ContactsConfig struct {
	VCardPath string `yaml:"vcard_path"`
}

// MQTTConfig defines the optional MQTT notifier for operational events.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://broker:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "almanac"
}

// AssistantConfig locates the assistant instruction and tool schema files.
// When Dir is empty the embedded defaults ship with the binary.
type AssistantConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			BaseURL:     "https://api.openai.com/v1",
			Default:     "gpt-4o-mini",
			Temperature: 0.7,
		},
		Calendar: CalendarConfig{
			Provider:        "google",
			DefaultID:       "primary",
			DefaultTimeZone: "Asia/Shanghai",
		},
		MQTT:    MQTTConfig{TopicPrefix: "almanac"},
		SMTP:    SMTPConfig{Port: 587, StartTLS: true},
		DataDir: ".",
	}
}
