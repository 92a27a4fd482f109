package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wemind/wemind/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ WeMind Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 WeMind Status")
		fmt.Printf("Version: %s\n", version)

		if configPath, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:   ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:   ✗ Not found (run 'wemind configure' first)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("Config:   ? Unable to load:", err)
			return
		}
		if cfg.Providers.OpenAI.APIKey != "" {
			fmt.Println("API Key:  ✓ Found")
		} else {
			fmt.Println("API Key:  ✗ Not found")
		}
		if cfg.Security.EncryptionKey != "" {
			fmt.Println("Crypto:   ✓ Message encryption key set")
		} else {
			fmt.Println("Crypto:   ✗ No encryption key (generated on first gateway start)")
		}
		if cfg.Audit.Enabled {
			fmt.Printf("Audit:    ✓ Kafka (%s → %s)\n", cfg.Audit.Brokers, cfg.Audit.Topic)
		} else {
			fmt.Println("Audit:    ✗ Disabled")
		}
		if cfg.Notify.Enabled {
			fmt.Println("Notify:   ✓ Slack escalations enabled")
		} else {
			fmt.Println("Notify:   ✗ Disabled")
		}
		if cfg.Summary.Enabled {
			fmt.Printf("Recaps:   ✓ Every %s\n", cfg.Summary.Interval)
		} else {
			fmt.Println("Recaps:   ✗ Disabled")
		}
		fmt.Printf("Storage:  %s\n", cfg.Storage.Path)
		fmt.Printf("Gateway:  %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
		fmt.Println("Status:   Ready")
	},
}
