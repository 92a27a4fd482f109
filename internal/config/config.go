// Package config provides configuration types and loading for wemind.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Gateway, Storage, Security, Providers, Model, Grouping,
// Moderation, Audit, Notify, Summary.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Storage    StorageConfig    `json:"storage"`
	Security   SecurityConfig   `json:"security"`
	Providers  ProvidersConfig  `json:"providers"`
	Model      ModelConfig      `json:"model"`
	Grouping   GroupingConfig   `json:"grouping"`
	Moderation ModerationConfig `json:"moderation"`
	Audit      AuditConfig      `json:"audit"`
	Notify     NotifyConfig     `json:"notify"`
	Summary    SummaryConfig    `json:"summary"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Storage – persistence
// ---------------------------------------------------------------------------

// StorageConfig contains database location settings.
type StorageConfig struct {
	Path string `json:"path" envconfig:"PATH"`
}

// SecurityConfig contains at-rest encryption settings.
type SecurityConfig struct {
	// EncryptionKey is a base64-encoded 32-byte key applied to message
	// content before it reaches the store. Generated on first run.
	EncryptionKey string `json:"encryptionKey" envconfig:"ENCRYPTION_KEY"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups chat-model settings shared by companion replies,
// interventions, and summaries.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ---------------------------------------------------------------------------
// Grouping – questionnaire embedding and assignment
// ---------------------------------------------------------------------------

// GroupingConfig contains group-assignment tunables.
type GroupingConfig struct {
	// SimThreshold is the minimum cosine similarity for admission to an
	// existing group.
	SimThreshold float64 `json:"simThreshold" envconfig:"SIM_THRESHOLD"`
	// LeniencyGamma is how far below a group's running average similarity
	// a candidate may fall while still being admitted.
	LeniencyGamma float64 `json:"leniencyGamma" envconfig:"LENIENCY_GAMMA"`
	// MaxGroupSize caps membership of groups created by the assigner.
	MaxGroupSize   int    `json:"maxGroupSize" envconfig:"MAX_GROUP_SIZE"`
	EmbeddingModel string `json:"embeddingModel" envconfig:"EMBEDDING_MODEL"`
	// DropSensitive excludes age and gender answers from the embedded text.
	DropSensitive bool `json:"dropSensitive" envconfig:"DROP_SENSITIVE"`
}

// ---------------------------------------------------------------------------
// Moderation – safety classification
// ---------------------------------------------------------------------------

// ModerationConfig contains safety-classification settings.
type ModerationConfig struct {
	// ContextWindow is how many prior group messages the classifier sees.
	ContextWindow int `json:"contextWindow" envconfig:"CONTEXT_WINDOW"`
	// Model overrides Model.Name for classification calls when set.
	Model string `json:"model" envconfig:"MODEL"`
}

// ---------------------------------------------------------------------------
// Audit – moderation event stream via Kafka
// ---------------------------------------------------------------------------

// AuditConfig configures the Kafka stream of concerning-content events
// consumed by external reporting.
type AuditConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// ---------------------------------------------------------------------------
// Notify – counselor escalation via Slack
// ---------------------------------------------------------------------------

// NotifyConfig configures the Slack escalation sink for counselor alerts.
type NotifyConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"ENABLED"`
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
}

// ---------------------------------------------------------------------------
// Summary – daily per-user digests
// ---------------------------------------------------------------------------

// SummaryConfig configures the daily per-user conversation summaries.
type SummaryConfig struct {
	Enabled  bool          `json:"enabled" envconfig:"ENABLED"`
	Interval time.Duration `json:"interval" envconfig:"INTERVAL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
		Storage: StorageConfig{
			Path: "~/.wemind/wemind.db",
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Grouping: GroupingConfig{
			SimThreshold:   0.65,
			LeniencyGamma:  0.07,
			MaxGroupSize:   10,
			EmbeddingModel: "text-embedding-3-small",
			DropSensitive:  true,
		},
		Moderation: ModerationConfig{
			ContextWindow: 10,
		},
		Audit: AuditConfig{
			Enabled: false,
			Brokers: "localhost:9092",
			Topic:   "wemind.moderation.events",
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
		Summary: SummaryConfig{
			Enabled:  false,
			Interval: 24 * time.Hour,
		},
	}
}
