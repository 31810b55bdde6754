package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/config"
	"github.com/oppwatch/oppwatch/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ OppWatch Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon configuration and current detection",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 OppWatch Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		fmt.Printf("Bridge:  %s\n", cfg.Bridge.ListenAddr)
		fmt.Printf("Site:    *%s\n", cfg.Site.DomainSuffix)
		if cfg.CRM.BaseURL != "" {
			fmt.Println("CRM API: ✓ Configured")
		} else {
			fmt.Println("CRM API: ✗ Not configured")
		}
		if cfg.Kafka.Enabled {
			fmt.Printf("Kafka:   ✓ %s → %s\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
		} else {
			fmt.Println("Kafka:   ✗ Disabled")
		}
		if cfg.Slack.Enabled {
			fmt.Printf("Slack:   ✓ channel %s\n", cfg.Slack.ChannelID)
		} else {
			fmt.Println("Slack:   ✗ Disabled")
		}

		st, err := store.Open(cfg.Paths.StateDBPath())
		if err != nil {
			fmt.Printf("State:   ? Unable to open store: %v\n", err)
			return
		}
		defer st.Close()
		if det, ok, _ := st.Detection(); ok {
			fmt.Printf("Current: %s (as of %s)\n", det.OpportunityID, det.LastUpdatedAt.Format("15:04:05"))
		} else {
			fmt.Println("Current: no opportunity detected")
		}
		fmt.Printf("AutoOpen: %v\n", st.AutoOpen())
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <url>",
	Short: "Classify a URL the way the watcher would",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		suffix := classify.DefaultDomainSuffix
		if cfg, err := config.Load(); err == nil && cfg.Site.DomainSuffix != "" {
			suffix = cfg.Site.DomainSuffix
		}
		res := classify.New(suffix).URL(args[0])
		if !res.IsTarget {
			fmt.Println("Not a target CRM page.")
			return
		}
		fmt.Println("Target CRM page.")
		if res.OrganizationID != "" {
			fmt.Printf("Organization: %s\n", res.OrganizationID)
		}
		if res.RecordID != "" {
			fmt.Printf("Opportunity:  %s\n", res.RecordID)
		} else {
			fmt.Println("Opportunity:  none on this page")
		}
	},
}
