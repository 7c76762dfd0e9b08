// Package bot is a send-only Telegram Bot API client. The notification
// pipeline pushes messages out; inbound updates are out of scope here.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/dispatch"
	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// DefaultAPIURL is the Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config contains Telegram client configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// APIURL overrides the Bot API base URL (tests, local bot API
	// servers).
	APIURL string

	// Timeout bounds a single sendMessage call.
	Timeout time.Duration
}

// DefaultConfig returns a default configuration. The token has no
// default; it comes from configuration or TELOXIDE_TOKEN-style env.
func DefaultConfig() Config {
	return Config{
		APIURL:  DefaultAPIURL,
		Timeout: 10 * time.Second,
	}
}

// Client sends messages through the Telegram Bot API.
type Client struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

var _ dispatch.Sender = (*Client)(nil)

// NewClient creates a Telegram client.
func NewClient(config Config) *Client {
	def := DefaultConfig()
	if config.APIURL == "" {
		config.APIURL = def.APIURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log.With().Str("component", "telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers one text message to one chat. Failures come back as
// *dispatch.SendError so the dispatcher can decide between retrying and
// dropping.
func (c *Client) Send(ctx context.Context, chatID transit.ChatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID: int64(chatID),
		Text:   text,
	})
	if err != nil {
		return &dispatch.SendError{Class: dispatch.SendPermanent, Err: err}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.config.APIURL, c.config.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &dispatch.SendError{Class: dispatch.SendPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network trouble or timeout; the platform may be fine next try.
		return &dispatch.SendError{Class: dispatch.SendTransient, Err: err}
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &dispatch.SendError{
			Class: dispatch.SendTransient,
			Err:   fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err),
		}
	}

	if result.OK {
		return nil
	}

	return c.classify(chatID, result)
}

// classify maps Bot API errors to the dispatcher's retry semantics.
// Unknown error codes count as transient so a platform hiccup never
// silently kills a subscriber.
func (c *Client) classify(chatID transit.ChatID, result apiResponse) error {
	apiErr := fmt.Errorf("telegram: %s (code %d)", result.Description, result.ErrorCode)

	switch {
	case result.ErrorCode == 403:
		// The user blocked the bot or was deactivated.
		c.logger.Warn().
			Int64("chat_id", int64(chatID)).
			Str("description", result.Description).
			Msg("Chat rejected the bot")
		return &dispatch.SendError{Class: dispatch.SendPermanent, Err: apiErr}

	case result.ErrorCode == 400 && strings.Contains(strings.ToLower(result.Description), "chat not found"):
		return &dispatch.SendError{Class: dispatch.SendPermanent, Err: apiErr}

	case result.ErrorCode == 429:
		return &dispatch.SendError{
			Class:      dispatch.SendTransient,
			RetryAfter: time.Duration(result.Parameters.RetryAfter) * time.Second,
			Err:        apiErr,
		}

	default:
		return &dispatch.SendError{Class: dispatch.SendTransient, Err: apiErr}
	}
}
