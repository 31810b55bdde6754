package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/oppwatch/oppwatch/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"   ___              __        __    _       _\n" +
		"  / _ \\ _ __  _ __  \\ \\      / /_ _| |_ ___| |__\n" +
		" | | | | '_ \\| '_ \\  \\ \\ /\\ / / _` | __/ __| '_ \\\n" +
		" | |_| | |_) | |_) |  \\ V  V / (_| | || (__| | | |\n" +
		"  \\___/| .__/| .__/    \\_/\\_/ \\__,_|\\__\\___|_| |_|\n" +
		"       |_|   |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "oppwatch",
	Short: "OppWatch - CRM opportunity detection daemon",
	Long:  color.CyanString(logo) + "\nDetects which CRM opportunity record is open in the browser and keeps panels, badges, and downstream sinks in sync.",
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
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(daemonCmd)
}
