package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

const DefaultBaseURL = "https://api.telegram.org"

// Client posts listing messages to one chat through the Bot API.
type Client struct {
	base   string
	token  string
	chatID string
	hc     *http.Client
}

func New(base, token, chatID string) (*Client, error) {
	if token == "" || chatID == "" {
		return nil, domain.ConfigErrorf("TELEGRAM_TOKEN and TELEGRAM_CHAT_ID are required to notify")
	}
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		chatID: chatID,
		hc:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// markdownEscaper escapes the entity markers of Telegram's legacy Markdown.
var markdownEscaper = strings.NewReplacer(`_`, `\_`, `*`, `\*`, "`", "\\`", `[`, `\[`)

// FormatMessage renders the Markdown card for a listing.
func FormatMessage(l domain.Listing) string {
	esc := markdownEscaper.Replace
	return fmt.Sprintf("🏠 *%s*\n📍 %s\n💰 %s\n📏 %s\n🔗 [View on Idealista](%s)",
		esc(l.Title), esc(l.Location), esc(l.Price), esc(l.SqMeters), l.Link)
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends one listing. Failures are returned as a DeliveryResult, never
// as an error.
func (c *Client) Notify(ctx context.Context, l domain.Listing) domain.DeliveryResult {
	body, err := json.Marshal(sendMessageRequest{ChatID: c.chatID, Text: FormatMessage(l), ParseMode: "Markdown"})
	if err != nil {
		return domain.DeliveryFailed(err.Error())
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.base, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryFailed(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("telegram", "sendMessage", 0, time.Since(start))
		// the token is part of the URL; keep it out of the reason
		return domain.DeliveryFailed(strings.ReplaceAll(err.Error(), c.token, "***"))
	}
	defer resp.Body.Close()
	observability.ObserveExternal("telegram", "sendMessage", resp.StatusCode, time.Since(start))

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ar apiResponse
	_ = json.Unmarshal(b, &ar)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !ar.OK {
		reason := ar.Description
		if reason == "" {
			reason = strings.TrimSpace(string(b))
		}
		return domain.DeliveryFailed(fmt.Sprintf("status %d: %s", resp.StatusCode, reason))
	}
	return domain.Delivered()
}
