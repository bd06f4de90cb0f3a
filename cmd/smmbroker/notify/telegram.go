// Package notify delivers chat messages through the Telegram Bot API and
// records payment events to the payment channel and Kafka.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.telegram.org"

type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// Telegram is a minimal Bot API client: only the send methods this service needs.
type Telegram struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewTelegram(baseURL, token string, client *http.Client) *Telegram {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Telegram{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: client}
}

type sendMessageRequest struct {
	ChatID      string          `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboard `json:"reply_markup,omitempty"`
}

type sendPhotoRequest struct {
	ChatID      string          `json:"chat_id"`
	Photo       string          `json:"photo"`
	Caption     string          `json:"caption,omitempty"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboard `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// SendMessage returns the id of the sent message.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string, markup *InlineKeyboard) (int64, error) {
	return t.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "Markdown", ReplyMarkup: markup})
}

// SendPhoto sends a photo by file id or URL.
func (t *Telegram) SendPhoto(ctx context.Context, chatID, photo, caption string, markup *InlineKeyboard) (int64, error) {
	return t.call(ctx, "sendPhoto", sendPhotoRequest{ChatID: chatID, Photo: photo, Caption: caption, ParseMode: "Markdown", ReplyMarkup: markup})
}

func (t *Telegram) call(ctx context.Context, method string, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return 0, fmt.Errorf("telegram %s: %s", method, out.Description)
	}
	return out.Result.MessageID, nil
}
