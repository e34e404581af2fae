package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/soochol/ghachieve/internal/achieve"
)

const telegramAPI = "https://api.telegram.org"

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	Client *http.Client
}

func (s *SlackSender) Type() Channel { return ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, target *Target, message string) error {
	if target.WebhookURL == "" {
		return missingField(ChannelSlack, "webhook_url")
	}
	payload := map[string]string{"text": message}
	if target.SlackRoom != "" {
		payload["channel"] = target.SlackRoom
	}
	return postJSON(ctx, s.Client, ChannelSlack, target.WebhookURL, payload)
}

// TelegramSender calls sendMessage on the Telegram Bot API.
type TelegramSender struct {
	Client  *http.Client
	BaseURL string // defaults to api.telegram.org
}

func (s *TelegramSender) Type() Channel { return ChannelTelegram }

func (s *TelegramSender) Send(ctx context.Context, target *Target, message string) error {
	switch {
	case target.ChatID == "":
		return missingField(ChannelTelegram, "chat_id")
	case target.BotToken == "":
		return missingField(ChannelTelegram, "bot_token")
	}
	base := s.BaseURL
	if base == "" {
		base = telegramAPI
	}
	endpoint := base + "/bot" + target.BotToken + "/sendMessage"
	return postJSON(ctx, s.Client, ChannelTelegram, endpoint, map[string]string{
		"chat_id": target.ChatID,
		"text":    message,
	})
}

func missingField(ch Channel, field string) error {
	return achieve.NewError(achieve.ErrConfiguration, "notify "+string(ch), "target missing "+field)
}

// postJSON sends payload and treats any status >= 400 as a failure.
func postJSON(ctx context.Context, client *http.Client, ch Channel, endpoint string, payload any) error {
	if client == nil {
		client = http.DefaultClient
	}
	op := "notify " + string(ch)
	body, err := json.Marshal(payload)
	if err != nil {
		return achieve.WrapError(achieve.ErrValidation, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return achieve.WrapError(achieve.ErrConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return achieve.WrapError(achieve.ErrNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		kind := achieve.ErrValidation
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = achieve.ErrAuthentication
		case http.StatusForbidden:
			kind = achieve.ErrPermission
		case http.StatusNotFound:
			kind = achieve.ErrNotFound
		case http.StatusTooManyRequests:
			kind = achieve.ErrRateLimited
		default:
			if resp.StatusCode >= http.StatusInternalServerError {
				kind = achieve.ErrServer
			}
		}
		return achieve.NewError(kind, op, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}
