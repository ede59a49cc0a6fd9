// Package notify dispatches control-plane events (promotions, PEP
// health changes, sync conflicts) to the channels a tenant has
// configured. Telegram delivery follows the teacher's own
// agents/telegram-bot notifier (tgbotapi.BotAPI.Send); Slack delivery
// is a plain webhook POST, the shared credential pattern spec §4.9
// calls out explicitly (one tenant-wide credential, many
// per-environment rules).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/vault"
)

// Event is one notifiable occurrence. EventKind matches the
// event_kind column notification rules are filtered by (e.g.
// "promotion", "pep_unhealthy", "sync_conflict").
type Event struct {
	TenantID    string
	Environment model.Environment
	EventKind   string
	Summary     string
	Detail      map[string]any
}

type Dispatcher struct {
	store      *store.Store
	vault      *vault.Vault
	httpClient *http.Client
}

func New(s *store.Store, v *vault.Vault, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{store: s, vault: v, httpClient: httpClient}
}

// Dispatch sends ev to every enabled rule matching its tenant,
// environment, and event kind. A delivery failure on one rule never
// aborts delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []error {
	rules, err := d.store.ListRulesForEvent(ctx, ev.TenantID, ev.Environment, ev.EventKind)
	if err != nil {
		return []error{fmt.Errorf("notify: list rules: %w", err)}
	}
	cred, err := d.store.GetNotificationCredential(ctx, ev.TenantID)
	if err != nil {
		return []error{fmt.Errorf("notify: no shared credential configured for tenant %s: %w", ev.TenantID, err)}
	}
	token, err := d.vault.Get(ctx, ev.TenantID, cred.CredentialVaultID)
	if err != nil {
		return []error{fmt.Errorf("notify: resolve credential: %w", err)}
	}

	var errs []error
	for _, r := range rules {
		var sendErr error
		switch r.ChannelKind {
		case model.ChannelTelegram:
			sendErr = d.sendTelegram(token, r.Target, ev)
		case model.ChannelSlack:
			sendErr = d.sendSlack(ctx, token, ev)
		default:
			sendErr = fmt.Errorf("unsupported channel kind %q", r.ChannelKind)
		}
		if sendErr != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, sendErr))
		}
	}
	return errs
}

func (d *Dispatcher) sendTelegram(token, target string, ev Event) error {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, d.httpClient)
	if err != nil {
		return fmt.Errorf("notify: telegram client: %w", err)
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: invalid telegram chat id %q: %w", target, err)
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("[%s] %s", ev.EventKind, ev.Summary))
	_, err = bot.Send(msg)
	return err
}

// slackWebhookURL is the fixed Slack incoming-webhook endpoint; the
// shared credential holds the per-workspace webhook path suffix.
const slackWebhookURL = "https://hooks.slack.com/services/"

func (d *Dispatcher) sendSlack(ctx context.Context, webhookPath string, ev Event) error {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s/%s] %s", ev.Environment, ev.EventKind, ev.Summary),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackWebhookURL+webhookPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
