// Package config provides configuration types and loading for oppwatch.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Site, Bridge, Detection, CRM, Kafka, Slack.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Site      SiteConfig      `json:"site"`
	Bridge    BridgeConfig    `json:"bridge"`
	Detection DetectionConfig `json:"detection"`
	CRM       CRMConfig       `json:"crm"`
	Kafka     KafkaConfig     `json:"kafka"`
	Slack     SlackConfig     `json:"slack"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// StateDBPath returns the sqlite state store location under StateDir.
func (p PathsConfig) StateDBPath() string {
	return filepath.Join(p.StateDir, "state.db")
}

// SiteConfig identifies the target CRM host.
type SiteConfig struct {
	// DomainSuffix is the host suffix of the target CRM, e.g. ".crm.dynamics.com".
	DomainSuffix string `json:"domainSuffix" envconfig:"DOMAIN_SUFFIX"`
}

// BridgeConfig configures the localhost HTTP bridge the extension shim
// connects to.
type BridgeConfig struct {
	ListenAddr string `json:"listenAddr" envconfig:"LISTEN_ADDR"`
	// InboundToken, when set, is required as a Bearer token on every bridge
	// request.
	InboundToken string `json:"inboundToken" envconfig:"INBOUND_TOKEN"`
}

// DetectionConfig groups the timing policy of the watcher and coordinator.
// One consistent policy: the watcher ticks at TickInterval and debounces
// change notifications by Debounce; the coordinator polls each tracked tab at
// PollInterval with RequestTimeout per check.
type DetectionConfig struct {
	TickInterval     time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	Debounce         time.Duration `json:"debounce" envconfig:"DEBOUNCE"`
	PollInterval     time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
	RequestTimeout   time.Duration `json:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	NavigationSettle time.Duration `json:"navigationSettle" envconfig:"NAVIGATION_SETTLE"`
	SafetyPollDelay  time.Duration `json:"safetyPollDelay" envconfig:"SAFETY_POLL_DELAY"`
}

// CRMConfig configures the external CRM REST API client.
type CRMConfig struct {
	BaseURL string `json:"baseUrl" envconfig:"BASE_URL"`
	Token   string `json:"token" envconfig:"TOKEN"`
}

// KafkaConfig configures the optional detection-event producer.
type KafkaConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// SlackConfig configures the optional Slack notifier.
type SlackConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken  string `json:"botToken" envconfig:"BOT_TOKEN"`
	ChannelID string `json:"channelId" envconfig:"CHANNEL_ID"`
}

// Default returns the baseline configuration before file and env overlays.
func Default(home string) *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: filepath.Join(home, ".oppwatch"),
		},
		Site: SiteConfig{
			DomainSuffix: ".crm.dynamics.com",
		},
		Bridge: BridgeConfig{
			ListenAddr: "127.0.0.1:8645",
		},
		Detection: DetectionConfig{
			TickInterval:     time.Second,
			Debounce:         500 * time.Millisecond,
			PollInterval:     2 * time.Second,
			RequestTimeout:   time.Second,
			NavigationSettle: 1500 * time.Millisecond,
			SafetyPollDelay:  2 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: "localhost:9092",
			Topic:   "oppwatch.detections",
		},
	}
}
