package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/secrets"
)

var (
	cfgOpenAIKey     string
	cfgAuthToken     string
	cfgSlackToken    string
	cfgSlackChannel  string
	cfgKafkaBrokers  string
	cfgGenCryptoKey  bool
	cfgEnableAudit   bool
	cfgEnableNotify  bool
	cfgEnableRecaps  bool
	cfgSimThreshold  float64
	cfgLeniencyGamma float64
	cfgMaxGroupSize  int
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Update configuration values",
	RunE:  runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&cfgOpenAIKey, "openai-key", "", "OpenAI API key")
	f.StringVar(&cfgAuthToken, "auth-token", "", "Bearer token required by the gateway API")
	f.StringVar(&cfgSlackToken, "slack-token", "", "Slack bot token for counselor escalations")
	f.StringVar(&cfgSlackChannel, "slack-channel", "", "Slack channel for counselor escalations")
	f.StringVar(&cfgKafkaBrokers, "kafka-brokers", "", "Comma separated Kafka brokers for the audit trail")
	f.BoolVar(&cfgGenCryptoKey, "gen-encryption-key", false, "Generate a fresh message encryption key")
	f.BoolVar(&cfgEnableAudit, "enable-audit", false, "Publish moderation events to Kafka")
	f.BoolVar(&cfgEnableNotify, "enable-notify", false, "Send escalations to Slack")
	f.BoolVar(&cfgEnableRecaps, "enable-recaps", false, "Run the daily recap worker")
	f.Float64Var(&cfgSimThreshold, "sim-threshold", 0, "Minimum cosine similarity for joining a group")
	f.Float64Var(&cfgLeniencyGamma, "leniency-gamma", -1, "Allowed undercut below a group's average similarity")
	f.IntVar(&cfgMaxGroupSize, "max-group-size", 0, "Maximum members per peer group")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	printHeader("⚙️ WeMind Configure")

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("No existing config, starting from defaults")
		cfg = config.DefaultConfig()
	}

	if cfgOpenAIKey != "" {
		cfg.Providers.OpenAI.APIKey = cfgOpenAIKey
		fmt.Println("OpenAI key updated")
	}
	if cfgAuthToken != "" {
		cfg.Gateway.AuthToken = cfgAuthToken
		fmt.Println("Gateway auth token updated")
	}
	if cfgSlackToken != "" {
		cfg.Notify.SlackToken = cfgSlackToken
		fmt.Println("Slack token updated")
	}
	if cfgSlackChannel != "" {
		cfg.Notify.SlackChannel = cfgSlackChannel
		fmt.Println("Slack channel updated")
	}
	if cfgKafkaBrokers != "" {
		cfg.Audit.Brokers = cfgKafkaBrokers
		fmt.Println("Kafka brokers updated")
	}
	if cfgGenCryptoKey {
		if cfg.Security.EncryptionKey != "" {
			fmt.Fprintln(os.Stderr, "Refusing to rotate an existing encryption key: stored messages would become unreadable")
			return fmt.Errorf("encryption key already set")
		}
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		cfg.Security.EncryptionKey = key
		fmt.Println("Encryption key generated")
	}
	if cmd.Flags().Changed("enable-audit") {
		cfg.Audit.Enabled = cfgEnableAudit
	}
	if cmd.Flags().Changed("enable-notify") {
		cfg.Notify.Enabled = cfgEnableNotify
	}
	if cmd.Flags().Changed("enable-recaps") {
		cfg.Summary.Enabled = cfgEnableRecaps
	}
	if cfgSimThreshold > 0 && cfgSimThreshold <= 1 {
		cfg.Grouping.SimThreshold = cfgSimThreshold
	}
	if cfgLeniencyGamma >= 0 {
		cfg.Grouping.LeniencyGamma = cfgLeniencyGamma
	}
	if cfgMaxGroupSize > 0 {
		cfg.Grouping.MaxGroupSize = cfgMaxGroupSize
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	path, _ := config.ConfigPath()
	fmt.Printf("Saved %s\n", path)
	return nil
}
