package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oppwatch/oppwatch/internal/bridge"
	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/config"
	"github.com/oppwatch/oppwatch/internal/coordinator"
	"github.com/oppwatch/oppwatch/internal/crm"
	"github.com/oppwatch/oppwatch/internal/notify"
	"github.com/oppwatch/oppwatch/internal/panel"
	"github.com/oppwatch/oppwatch/internal/sink"
	"github.com/oppwatch/oppwatch/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the detection daemon (bridge, coordinator, panel)",
	Run:   runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) {
	printHeader("🔭 OppWatch Daemon")

	config.LoadEnvFileCandidates()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		fmt.Printf("State dir error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Paths.StateDBPath())
	if err != nil {
		fmt.Printf("Failed to open state store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.New()
	go msgBus.Dispatch(ctx)

	// Detection history: every broadcast lands in the detections table.
	unsubHistory := msgBus.Subscribe(func(ev *bus.Event) {
		_ = st.AppendDetection(store.DetectionRecord{
			TraceID:        ev.TraceID,
			Event:          string(ev.Type),
			OpportunityID:  ev.OpportunityID,
			OrganizationID: ev.OrganizationID,
			SourceURL:      ev.SourceURL,
			TabID:          ev.TabID,
			CreatedAt:      ev.Timestamp,
		})
	})
	defer unsubHistory()

	cls := classify.New(cfg.Site.DomainSuffix)
	crmClient := crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.Token)

	br := bridge.New(cfg.Bridge, cfg.Detection, cls, st, msgBus, nil)
	coord := coordinator.New(coordinator.Config{
		PollInterval:     cfg.Detection.PollInterval,
		RequestTimeout:   cfg.Detection.RequestTimeout,
		NavigationSettle: cfg.Detection.NavigationSettle,
		SafetyPollDelay:  cfg.Detection.SafetyPollDelay,
	}, cls, br, st, msgBus)
	pnl := panel.New(coord, msgBus, st, crmClient)
	br.SetPanel(pnl)
	br.SetTabEvents(coord)

	if err := coord.Start(ctx); err != nil {
		fmt.Printf("Coordinator start error: %v\n", err)
		os.Exit(1)
	}

	kafkaSink := sink.New(cfg.Kafka)
	kafkaSink.Attach(msgBus)
	defer kafkaSink.Close()
	if kafkaSink != nil {
		fmt.Printf("Kafka sink:  ✓ %s → %s\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	slackNotify := notify.New(cfg.Slack)
	slackNotify.Attach(msgBus)
	defer slackNotify.Close()
	if slackNotify != nil {
		fmt.Printf("Slack:       ✓ channel %s\n", cfg.Slack.ChannelID)
	}

	fmt.Printf("Bridge:      %s\n", cfg.Bridge.ListenAddr)
	fmt.Printf("Target site: *%s\n", cfg.Site.DomainSuffix)
	fmt.Println("OppWatch daemon running. Press Ctrl+C to stop.")

	errCh := make(chan error, 1)
	go func() {
		errCh <- br.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			fmt.Printf("Bridge error: %v\n", err)
			os.Exit(1)
		}
	}
}
