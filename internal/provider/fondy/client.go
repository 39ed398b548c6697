// Package fondy — клиент платёжного шлюза Fondy: checkout URL, pull-статус,
// reverse и проверка подписи webhook.
package fondy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ProviderName — имя провайдера в заказах и журнале событий.
const ProviderName = "fondy"

const (
	defaultBaseURL  = "https://pay.fondy.eu"
	defaultCurrency = "UAH"
	defaultTimeout  = 10 * time.Second
)

// Config — параметры мерчанта.
type Config struct {
	MerchantID  string
	Password    string
	CallbackURL string
	ReturnURL   string
	BaseURL     string
	Currency    string
	Timeout     time.Duration
}

// Client реализует domain.PaymentProvider и payment.WebhookVerifier.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Entry
}

// New создаёт клиента. httpClient может быть nil.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" || cfg.Password == "" {
		return nil, fmt.Errorf("fondy merchant id and password are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.WithField("component", "fondy")
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Name возвращает имя провайдера.
func (c *Client) Name() string { return ProviderName }

// CreateCheckout запрашивает checkout URL для provider_order_id.
func (c *Client) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	params := map[string]any{
		"merchant_id":         c.cfg.MerchantID,
		"order_id":            req.ProviderOrderID,
		"order_desc":          req.Description,
		"amount":              toMinorUnits(req.Amount),
		"currency":            c.cfg.Currency,
		"server_callback_url": c.cfg.CallbackURL,
		"response_url":        c.cfg.ReturnURL,
		"merchant_data":       req.OrderID,
	}

	resp, err := c.call(ctx, "/api/checkout/url/", params)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	return domain.CheckoutSession{
		Provider:    ProviderName,
		CheckoutURL: stringify(resp["checkout_url"]),
		PaymentID:   stringify(resp["payment_id"]),
		Payload:     resp,
	}, nil
}

// FetchStatus запрашивает текущий статус заказа у Fondy.
func (c *Client) FetchStatus(ctx context.Context, providerOrderID string) (domain.ProviderPaymentStatus, error) {
	params := map[string]any{
		"merchant_id": c.cfg.MerchantID,
		"order_id":    providerOrderID,
	}

	resp, err := c.call(ctx, "/api/status/order_id", params)
	if err != nil {
		return domain.ProviderPaymentStatus{}, err
	}

	raw, _ := json.Marshal(resp)
	status := stringify(resp["order_status"])
	return domain.ProviderPaymentStatus{
		ProviderOrderID: providerOrderID,
		PaymentID:       stringify(resp["payment_id"]),
		Status:          status,
		Action:          ActionFor(status),
		Amount:          fromMinorUnits(resp["amount"]),
		Raw:             raw,
	}, nil
}

// Reverse возвращает средства по заказу.
func (c *Client) Reverse(ctx context.Context, providerOrderID string, amount decimal.Decimal) error {
	params := map[string]any{
		"merchant_id": c.cfg.MerchantID,
		"order_id":    providerOrderID,
		"amount":      toMinorUnits(amount),
		"currency":    c.cfg.Currency,
	}

	resp, err := c.call(ctx, "/api/reverse/order_id", params)
	if err != nil {
		return err
	}
	if status := stringify(resp["reverse_status"]); status != "" && status != "approved" && status != "created" {
		return &domain.ProviderError{Provider: ProviderName, StatusCode: http.StatusUnprocessableEntity, Message: "reverse " + status}
	}
	return nil
}

// ParseWebhook проверяет подпись callback и отображает статус в действие.
func (c *Client) ParseWebhook(body []byte) (domain.PaymentNotification, error) {
	var params map[string]any
	if err := decodeJSON(body, &params); err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("%w: decode fondy callback: %w", domain.ErrInvalidArgument, err)
	}

	orderID := OrderIDFromProvider(stringify(params["order_id"]))
	if merchantData := stringify(params["merchant_data"]); merchantData != "" {
		orderID = merchantData
	}
	if !Verify(c.cfg.Password, params) {
		return domain.PaymentNotification{OrderID: orderID}, domain.ErrBadSignature
	}

	status := stringify(params["order_status"])
	paymentID := stringify(params["payment_id"])
	return domain.PaymentNotification{
		Provider:       ProviderName,
		EventID:        domain.ProviderEventID(paymentID, status),
		OrderID:        orderID,
		PaymentID:      paymentID,
		ProviderStatus: status,
		Action:         ActionFor(status),
		Amount:         fromMinorUnits(params["amount"]),
		Signature:      stringify(params["signature"]),
		Version:        stringify(params["version"]),
		Payload:        append(json.RawMessage(nil), body...),
	}, nil
}

// ActionFor отображает order_status Fondy во внутреннее действие.
func ActionFor(status string) domain.PaymentAction {
	switch strings.ToLower(status) {
	case "approved", "captured":
		return domain.PaymentActionMarkPaid
	case "declined", "expired", "failed":
		return domain.PaymentActionMarkFailed
	case "reversed", "refunded":
		return domain.PaymentActionMarkRefunded
	default:
		return domain.PaymentActionNone
	}
}

// OrderIDFromProvider отрезает суффикс попытки "_N" от provider_order_id.
func OrderIDFromProvider(providerOrderID string) string {
	if idx := strings.LastIndex(providerOrderID, "_"); idx > 0 {
		return providerOrderID[:idx]
	}
	return providerOrderID
}

func (c *Client) call(ctx context.Context, path string, params map[string]any) (map[string]any, error) {
	params["signature"] = Sign(c.cfg.Password, params)
	body, err := json.Marshal(map[string]any{"request": params})
	if err != nil {
		return nil, fmt.Errorf("encode fondy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.ProviderError{Provider: ProviderName, Err: err}
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ProviderError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Err: err}
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, &domain.ProviderError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	var envelope struct {
		Response map[string]any `json:"response"`
	}
	if err := decodeJSON(payload, &envelope); err != nil {
		return nil, &domain.ProviderError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if envelope.Response == nil {
		return nil, &domain.ProviderError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Message: "empty response"}
	}
	if stringify(envelope.Response["response_status"]) == "failure" {
		c.logger.WithFields(log.Fields{
			"path":       path,
			"error_code": stringify(envelope.Response["error_code"]),
		}).Warn("fondy request rejected")
		return nil, &domain.ProviderError{
			Provider:   ProviderName,
			StatusCode: http.StatusBadRequest,
			Message:    stringify(envelope.Response["error_message"]),
		}
	}
	return envelope.Response, nil
}

// decodeJSON сохраняет числа как json.Number: подпись считается по их
// исходной записи.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// toMinorUnits переводит гривны в копейки.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(v any) decimal.Decimal {
	s := stringify(v)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-2)
}

var _ domain.PaymentProvider = (*Client)(nil)
