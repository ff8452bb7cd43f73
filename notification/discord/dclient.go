// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/utilities"
)

// Embed colors used across notifications.
const (
	ColorGreen  = 3066993
	ColorGold   = 16766720
	ColorOrange = 16755200
	ColorRed    = 15158332
	ColorBlue   = 3447003
)

// Client sends notifications to a Discord webhook. Identical titles inside
// the cooldown window are dropped so a flapping condition cannot spam the
// channel.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger

	cooldown time.Duration
	mu       sync.Mutex
	lastSent map[string]time.Time
}

// DiscordMessage represents the structure for a Discord webhook message.
// See: https://discord.com/developers/docs/resources/webhook#execute-webhook
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

func NewClient(cfg utilities.DiscordConfig, logger *utilities.Logger) *Client {
	if cfg.WebhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Notifications will not be sent.")
	} else {
		logger.LogInfo("Discord Client initialized with webhook URL.")
	}

	cooldown := time.Duration(cfg.NotificationCooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	return &Client{
		webhookURL: cfg.WebhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		cooldown:   cooldown,
		lastSent:   make(map[string]time.Time),
	}
}

// Notify sends a titled embed, subject to the per-title cooldown. Errors are
// logged, not returned: notifications never block trading.
func (c *Client) Notify(title, message string) {
	c.NotifyColored(title, message, ColorBlue)
}

// NotifyColored sends a titled embed with an explicit color.
func (c *Client) NotifyColored(title, message string, color int) {
	if c.webhookURL == "" {
		return
	}
	if !c.allow(title) {
		c.logger.LogDebug("Discord Notify: %q suppressed by cooldown", title)
		return
	}
	embed := DiscordEmbed{
		Title:       title,
		Description: message,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if err := c.SendEmbedMessage(embed); err != nil {
		c.logger.LogError("Discord Notify: failed to send %q: %v", title, err)
	}
}

func (c *Client) allow(title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if last, ok := c.lastSent[title]; ok && now.Sub(last) < c.cooldown {
		return false
	}
	c.lastSent[title] = now
	return true
}

// SendMessage sends a simple text message to the configured Discord webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendMessage: Webhook URL is not set, skipping.")
		return nil
	}
	if strings.TrimSpace(message) == "" {
		c.logger.LogDebug("Discord SendMessage: Message is empty, skipping.")
		return nil
	}
	return c.sendPayload(DiscordMessage{Content: message})
}

// SendEmbedMessage sends a message with one or more embeds.
func (c *Client) SendEmbedMessage(embeds ...DiscordEmbed) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendEmbedMessage: Webhook URL is not set, skipping.")
		return nil
	}
	if len(embeds) == 0 {
		c.logger.LogDebug("Discord SendEmbedMessage: No embeds provided, skipping.")
		return nil
	}
	return c.sendPayload(DiscordMessage{Embeds: embeds})
}

// sendPayload is an internal helper to send the marshalled JSON payload.
func (c *Client) sendPayload(payload DiscordMessage) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to marshal JSON: %v", err)
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to create HTTP request: %v", err)
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AutoCoinBot/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to send HTTP request: %v", err)
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("discord API error: %s, failed to read response body", resp.Status)
	}
	c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Body: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("discord API error: %s, response: %s", resp.Status, string(bodyBytes))
}

// NotifyTrade sends a formatted notification for an executed trade.
func (c *Client) NotifyTrade(signal, market string, price, amount float64, detail string) {
	if c.webhookURL == "" {
		return
	}

	var title string
	var color int
	switch {
	case strings.Contains(signal, "PREMIUM"):
		title = fmt.Sprintf("💎 %s: %s", signal, market)
		color = ColorGold
	case strings.HasSuffix(signal, "BUY"):
		title = fmt.Sprintf("🎯 %s: %s", signal, market)
		color = ColorGreen
	case strings.Contains(signal, "EMERGENCY"):
		title = fmt.Sprintf("🚨 %s: %s", signal, market)
		color = ColorRed
	default:
		title = fmt.Sprintf("📈 %s: %s", signal, market)
		color = ColorOrange
	}

	description := fmt.Sprintf("**Market**: %s\n**Price**: `%.0f KRW`\n**Amount**: `%.0f KRW`", market, price, amount)
	if detail != "" {
		description += "\n" + detail
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if err := c.SendEmbedMessage(embed); err != nil {
		c.logger.LogError("Discord NotifyTrade: failed to send: %v", err)
	}
}
