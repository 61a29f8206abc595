// Package slack posts ops alerts about upstream account health to a Slack
// channel. It has no incident/escalation concept — it exists purely to
// tell an operator "an account needs attention."
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/relaygate/relaygate/internal/telemetry"
)

// Notifier posts account-health alerts to a single configured channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty the notifier is a
// noop: calls are logged at debug level and nothing is posted.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// AccountAlert describes an upstream account state change worth paging an
// operator about.
type AccountAlert struct {
	AccountID  string
	Platform   string
	State      string // "blocked", "rate_limited", "unauthorized"
	Reason     string
	BanSignal  bool
}

// PostAccountBlocked notifies that an account transitioned to blocked,
// optionally flagging that the 403 body matched a known ban signal.
func (n *Notifier) PostAccountBlocked(ctx context.Context, alert AccountAlert) error {
	return n.post(ctx, "account_blocked", fmt.Sprintf(
		":no_entry: account `%s` (%s) is now *blocked*%s: %s",
		alert.AccountID, alert.Platform, banSuffix(alert.BanSignal), alert.Reason,
	))
}

// PostAllAccountsExhausted notifies that the scheduler found no eligible
// account for a tenant key's platform — every bound or candidate account
// was rate-limited, unauthorized, or blocked.
func (n *Notifier) PostAllAccountsExhausted(ctx context.Context, platform string) error {
	return n.post(ctx, "all_accounts_exhausted", fmt.Sprintf(
		":warning: all accounts for platform `%s` are currently unavailable", platform,
	))
}

func banSuffix(banSignal bool) string {
	if banSignal {
		return " (ban signal detected)"
	}
	return ""
}

func (n *Notifier) post(ctx context.Context, kind, text string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping alert", "kind", kind)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting %s alert to slack: %w", kind, err)
	}

	telemetry.OpsNotificationsTotal.WithLabelValues(kind).Inc()
	n.logger.Info("posted ops alert to slack", "kind", kind)
	return nil
}
