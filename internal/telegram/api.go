// Package telegram is a minimal Bot API client covering the calls the relay
// needs: sending, forwarding, copying and editing messages, answering
// callback queries, long polling and webhook management.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type API struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewAPI(httpClient *http.Client, baseURL, token string) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.telegram.org"
	}
	return &API{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// RequestError is a non-2xx or ok=false response from the Bot API. Callers
// branch on it: a rejected forwardMessage is recovered with copyMessage, not
// treated as fatal.
type RequestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// call posts body as JSON to the given Bot API method and returns the raw
// result payload.
func (api *API) call(ctx context.Context, method string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telegram %s: encode request: %w", method, err)
		}
		reader = bytes.NewReader(data)
	}
	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := api.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		return nil, &RequestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   out.ErrorCode,
			Description: out.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
	}
	return out.Result, nil
}

func (api *API) GetMe(ctx context.Context) (*User, error) {
	result, err := api.call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(result, &u); err != nil {
		return nil, fmt.Errorf("telegram getMe: decode result: %w", err)
	}
	return &u, nil
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
}

// GetUpdates long-polls for updates and returns them with the next offset.
func (api *API) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	result, err := api.call(reqCtx, "getUpdates", getUpdatesRequest{Offset: offset, Timeout: secs})
	if err != nil {
		return nil, offset, err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, offset, fmt.Errorf("telegram getUpdates: decode result: %w", err)
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// IsPollTimeout reports whether err is an ordinary long-poll timeout rather
// than a real failure.
func IsPollTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

type sendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyToMessageID      int64                 `json:"reply_to_message_id,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendOptions tweaks SendMessage. ParseMode defaults to HTML; set
// ParseModeNone to send plain text.
type SendOptions struct {
	ParseMode        string
	ReplyMarkup      *InlineKeyboardMarkup
	ReplyToMessageID int64
}

const ParseModeNone = "none"

func (api *API) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*Message, error) {
	req := sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}
	if opts != nil {
		switch opts.ParseMode {
		case "":
		case ParseModeNone:
			req.ParseMode = ""
		default:
			req.ParseMode = opts.ParseMode
		}
		req.ReplyMarkup = opts.ReplyMarkup
		req.ReplyToMessageID = opts.ReplyToMessageID
	}
	result, err := api.call(ctx, "sendMessage", req)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(result, &msg); err != nil {
		return nil, fmt.Errorf("telegram sendMessage: decode result: %w", err)
	}
	return &msg, nil
}

type forwardMessageRequest struct {
	ChatID     int64 `json:"chat_id"`
	FromChatID int64 `json:"from_chat_id"`
	MessageID  int64 `json:"message_id"`
}

func (api *API) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*Message, error) {
	result, err := api.call(ctx, "forwardMessage", forwardMessageRequest{
		ChatID:     chatID,
		FromChatID: fromChatID,
		MessageID:  messageID,
	})
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(result, &msg); err != nil {
		return nil, fmt.Errorf("telegram forwardMessage: decode result: %w", err)
	}
	return &msg, nil
}

func (api *API) CopyMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*MessageRef, error) {
	result, err := api.call(ctx, "copyMessage", forwardMessageRequest{
		ChatID:     chatID,
		FromChatID: fromChatID,
		MessageID:  messageID,
	})
	if err != nil {
		return nil, err
	}
	var ref MessageRef
	if err := json.Unmarshal(result, &ref); err != nil {
		return nil, fmt.Errorf("telegram copyMessage: decode result: %w", err)
	}
	return &ref, nil
}

type editMessageTextRequest struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText rewrites a sent message. A nil markup removes the inline
// keyboard.
func (api *API) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	if markup == nil {
		markup = &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{}}
	}
	_, err := api.call(ctx, "editMessageText", editMessageTextRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ParseMode:   "HTML",
		ReplyMarkup: markup,
	})
	return err
}

type answerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

func (api *API) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string, showAlert bool) error {
	_, err := api.call(ctx, "answerCallbackQuery", answerCallbackQueryRequest{
		CallbackQueryID: callbackQueryID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	return err
}

type setWebhookRequest struct {
	URL                string `json:"url"`
	SecretToken        string `json:"secret_token,omitempty"`
	DropPendingUpdates bool   `json:"drop_pending_updates,omitempty"`
}

func (api *API) SetWebhook(ctx context.Context, url, secretToken string, dropPending bool) error {
	_, err := api.call(ctx, "setWebhook", setWebhookRequest{
		URL:                url,
		SecretToken:        secretToken,
		DropPendingUpdates: dropPending,
	})
	return err
}

func (api *API) DeleteWebhook(ctx context.Context) error {
	_, err := api.call(ctx, "deleteWebhook", nil)
	return err
}

func (api *API) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	result, err := api.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	var info WebhookInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("telegram getWebhookInfo: decode result: %w", err)
	}
	return &info, nil
}
