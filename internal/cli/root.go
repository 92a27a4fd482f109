package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/wemind/wemind/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"               __  __ _           _\n" +
		" __      _____|  \\/  (_)_ __   __| |\n" +
		" \\ \\ /\\ / / _ \\ |\\/| | | '_ \\ / _` |\n" +
		"  \\ V  V /  __/ |  | | | | | | (_| |\n" +
		"   \\_/\\_/ \\___|_|  |_|_|_| |_|\\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "wemind",
	Short: "WeMind - Peer Support Group Chat",
	Long:  color.CyanString(logo) + "\nModerated peer-support group chat with similarity-based matching, written in Go.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(gatewayCmd)
}
