// Package telegram доставляет административные алерты через Bot API.
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

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	providerName   = "telegram"
	defaultBaseURL = "https://api.telegram.org"
	// лимит Bot API на длину текста
	maxTextLen = 4096
)

// Config — токен бота и чат администраторов.
type Config struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

// Sender реализует domain.AlertSender.
type Sender struct {
	cfg    Config
	http   *http.Client
	logger *log.Entry
}

// New создаёт Sender. httpClient может быть nil.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) (*Sender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.ChatID) == "" {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.WithField("component", "telegram")
	}
	return &Sender{cfg: cfg, http: httpClient, logger: logger}, nil
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview"`
	ReplyMarkup           json.RawMessage `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendAlert отправляет текст алерта в чат администраторов.
func (s *Sender) SendAlert(ctx context.Context, alert domain.AdminAlert) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                s.cfg.ChatID,
		Text:                  FormatText(alert),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
		ReplyMarkup:           alert.ReplyMarkup,
	})
	if err != nil {
		return fmt.Errorf("encode sendMessage: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.cfg.BaseURL, s.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiResp apiResponse
	_ = json.Unmarshal(payload, &apiResp)

	if resp.StatusCode >= http.StatusBadRequest || !apiResp.OK {
		status := resp.StatusCode
		if apiResp.ErrorCode > 0 {
			status = apiResp.ErrorCode
		}
		entry := s.logger.WithFields(log.Fields{
			"alert_id": alert.ID,
			"status":   status,
		})
		if apiResp.Parameters.RetryAfter > 0 {
			entry = entry.WithField("retry_after", apiResp.Parameters.RetryAfter)
		}
		entry.Warn("telegram sendMessage failed")
		return &domain.ProviderError{Provider: providerName, StatusCode: status, Message: apiResp.Description}
	}
	return nil
}

// FormatText добавляет к тексту тип алерта и обрезает до лимита Bot API.
func FormatText(alert domain.AdminAlert) string {
	text := strings.TrimSpace(alert.Text)
	if alert.Type != "" {
		text = fmt.Sprintf("<b>%s</b>\n%s", alert.Type, text)
	}
	if runes := []rune(text); len(runes) > maxTextLen {
		text = string(runes[:maxTextLen-1]) + "…"
	}
	return text
}

var _ domain.AlertSender = (*Sender)(nil)
