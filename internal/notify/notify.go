// Package notify posts detection changes to a Slack channel, so a deal team
// can see which opportunity a rep is looking at.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/config"
)

// poster is the slice of the Slack API the notifier needs.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier forwards detection events to one Slack channel.
type Notifier struct {
	api     poster
	channel string
	unsub   func()
}

// New builds a notifier from config. Returns nil when disabled or
// unconfigured.
func New(cfg config.SlackConfig) *Notifier {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChannelID == "" {
		return nil
	}
	return &Notifier{
		api:     slack.New(cfg.BotToken),
		channel: cfg.ChannelID,
	}
}

// Attach subscribes the notifier to the bus. Safe on a nil notifier.
func (n *Notifier) Attach(b *bus.Bus) {
	if n == nil {
		return
	}
	n.unsub = b.Subscribe(func(ev *bus.Event) {
		if ev.Type != bus.EventOpportunityDetected {
			return
		}
		n.post(ev)
	})
}

func (n *Notifier) post(ev *bus.Event) {
	text := formatDetection(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("Slack notify failed", "channel", n.channel, "error", err)
		return
	}
	slog.Debug("Slack notified", "channel", n.channel, "opportunity", ev.OpportunityID)
}

func formatDetection(ev *bus.Event) string {
	text := fmt.Sprintf("Opportunity %s opened", ev.OpportunityID)
	if ev.OrganizationID != "" {
		text += fmt.Sprintf(" (org %s)", ev.OrganizationID)
	}
	if ev.SourceURL != "" {
		text += "\n" + ev.SourceURL
	}
	return text
}

// Close detaches from the bus. Safe on nil.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	if n.unsub != nil {
		n.unsub()
	}
}
