// Package config handles draftmill configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./draftmill.yaml, ~/.config/draftmill/config.yaml,
// /etc/draftmill/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"draftmill.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "draftmill", "config.yaml"))
	}

	paths = append(paths, "/etc/draftmill/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all draftmill configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
	DataDir   string        `yaml:"data_dir"`   // enables durable checkpoints when set
	Sync      SyncConfig    `yaml:"sync"`
	AI        AIConfig      `yaml:"ai"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Status    StatusConfig  `yaml:"status"`
	CardDAV   CardDAVConfig `yaml:"carddav"`
	Accounts  []Account     `yaml:"accounts"`
}

// SyncConfig controls the polling loop.
type SyncConfig struct {
	// IntervalSeconds is the delay between sync cycles. Default: 60.
	IntervalSeconds int `yaml:"interval_seconds"`

	// HistoryLimit is the maximum number of sanitized sent-mail
	// snippets fed to the reply generator. Default: 5.
	HistoryLimit int `yaml:"history_limit"`
}

// Interval returns the cycle interval as a duration.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// AIConfig points at the Ollama-compatible chat endpoint used for
// reply generation and spam classification.
type AIConfig struct {
	BaseURL string `yaml:"base_url"` // default http://localhost:11434

	// Model generates reply drafts.
	Model string `yaml:"model"`

	// ClassifierModel judges spam/automated intent. Empty reuses Model.
	ClassifierModel string `yaml:"classifier_model"`

	// Assistant is an identifier passed to the reply prompt so the
	// model can adopt the right persona.
	Assistant string `yaml:"assistant"`
}

// MQTTConfig controls the optional monitoring event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"` // e.g. "mqtt://broker.local:1883"
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// StatusConfig controls the optional HTTP status listener.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. "127.0.0.1:8725"
}

// CardDAVConfig points at an address book used as a sender allowlist.
// Senders found in the book skip AI spam classification.
type CardDAVConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Account describes a single mailbox to poll.
type Account struct {
	// Name is a short identifier used in logging and state keys
	// (e.g., "personal", "work"). Required.
	Name string `yaml:"name"`

	IMAP IMAPConfig `yaml:"imap"`

	// Domain is the host part used in generated Message-IDs. Empty
	// derives it from the IMAP username's address host.
	Domain string `yaml:"domain"`

	// DraftsFolder receives composed reply drafts. Default: "Drafts".
	DraftsFolder string `yaml:"drafts_folder"`

	// SentFolders are tried in order when reading sent mail for reply
	// context. Defaults cover common vendor names.
	SentFolders []string `yaml:"sent_folders"`
}

// ReplyDomain returns the Message-ID domain for this account.
func (a Account) ReplyDomain() string {
	if a.Domain != "" {
		return a.Domain
	}
	if i := strings.LastIndex(a.IMAP.Username, "@"); i >= 0 {
		return a.IMAP.Username[i+1:]
	}
	return a.IMAP.Host
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// Set to false only for port 143 plaintext connections (not recommended).
	TLS bool `yaml:"tls"`
}

// defaultSentFolders are the vendor folder names tried for sent mail.
var defaultSentFolders = []string{"Sent", "Sent Messages", "Sent Items", "[Gmail]/Sent Mail"}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 60
	}
	if c.Sync.HistoryLimit == 0 {
		c.Sync.HistoryLimit = 5
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "http://localhost:11434"
	}
	if c.AI.ClassifierModel == "" {
		c.AI.ClassifierModel = c.AI.Model
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "draftmill"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "draftmill"
	}
	if c.Status.Address == "" {
		c.Status.Address = "127.0.0.1:8725"
	}

	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		// TLS defaults to true unless the port is 143 (plaintext
		// convention), mirroring the bool zero-value workaround.
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}
		if c.Accounts[i].DraftsFolder == "" {
			c.Accounts[i].DraftsFolder = "Drafts"
		}
		if len(c.Accounts[i].SentFolders) == 0 {
			c.Accounts[i].SentFolders = append([]string(nil), defaultSentFolders...)
		}
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must list at least one mailbox")
	}

	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}
	}

	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	if c.CardDAV.Enabled && c.CardDAV.URL == "" {
		return fmt.Errorf("carddav.url is required when carddav is enabled")
	}

	return nil
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing so secrets can live outside
// the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
