// Package novaposhta — клиент API Новой Почты: создание накладных и
// пакетный трекинг.
package novaposhta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ProviderName — имя перевозчика в shipment.provider.
const ProviderName = "novaposhta"

const (
	defaultBaseURL = "https://api.novaposhta.ua/v2.0/json/"
	defaultTimeout = 10 * time.Second
	// максимум документов в одном getStatusDocuments
	trackingBatchSize = 100
	npDateLayout      = "2006-01-02 15:04:05"
	npDayLayout       = "02.01.2006"
)

// kyiv — базовое смещение, в котором API отдаёт даты.
var kyiv = time.FixedZone("EET", 2*60*60)

// Sender — реквизиты отправителя из кабинета НП.
type Sender struct {
	Ref        string
	ContactRef string
	AddressRef string
	CityRef    string
	Phone      string
}

// Config — параметры клиента.
type Config struct {
	APIKey  string
	BaseURL string
	Sender  Sender
	Timeout time.Duration
	// Weight — вес отправления по умолчанию, кг.
	Weight decimal.Decimal
}

// Client реализует domain.DeliveryProvider поверх JSON API НП.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Entry
	now    func() time.Time
}

// New создаёт клиента. httpClient может быть nil.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("nova poshta api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Weight.IsZero() {
		cfg.Weight = decimal.RequireFromString("0.5")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.WithField("component", "novaposhta")
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger, now: time.Now}, nil
}

// Name возвращает имя перевозчика.
func (c *Client) Name() string { return ProviderName }

type apiRequest struct {
	APIKey           string `json:"apiKey"`
	ModelName        string `json:"modelName"`
	CalledMethod     string `json:"calledMethod"`
	MethodProperties any    `json:"methodProperties"`
}

type apiResponse struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
}

// CreateTTN создаёт экспресс-накладную отделение→отделение (или почтомат).
// Для заказов без предоплаты оформляется наложенный платёж на сумму заказа.
func (c *Client) CreateTTN(ctx context.Context, order domain.Order) (domain.TTNResult, error) {
	props := map[string]any{
		"PayerType":        "Recipient",
		"PaymentMethod":    "Cash",
		"DateTime":         c.now().In(kyiv).Format(npDayLayout),
		"CargoType":        "Parcel",
		"Weight":           c.cfg.Weight.String(),
		"ServiceType":      "WarehouseWarehouse",
		"SeatsAmount":      "1",
		"Description":      "Замовлення " + order.ID,
		"Cost":             order.Totals.Grand.StringFixed(0),
		"CitySender":       c.cfg.Sender.CityRef,
		"Sender":           c.cfg.Sender.Ref,
		"SenderAddress":    c.cfg.Sender.AddressRef,
		"ContactSender":    c.cfg.Sender.ContactRef,
		"SendersPhone":     c.cfg.Sender.Phone,
		"RecipientCityRef": order.Shipment.CityRef,
		"RecipientAddress": order.Shipment.WarehouseRef,
		"RecipientName":    order.Customer.Name,
		"RecipientsPhone":  domain.NormalizePhone(order.Customer.Phone),
		"RecipientType":    "PrivatePerson",
		"NewAddress":       "1",
	}
	if order.Shipment.PickupPointType == domain.PickupPointLocker {
		props["ServiceType"] = "WarehousePostomat"
	}
	if !order.Payment.Prepaid() {
		props["AfterpaymentOnGoodsCost"] = order.Totals.Grand.StringFixed(0)
	}

	var data []struct {
		Ref                   string `json:"Ref"`
		IntDocNumber          string `json:"IntDocNumber"`
		CostOnSite            any    `json:"CostOnSite"`
		EstimatedDeliveryDate string `json:"EstimatedDeliveryDate"`
	}
	if err := c.call(ctx, "InternetDocument", "save", props, &data); err != nil {
		return domain.TTNResult{}, err
	}
	if len(data) == 0 || data[0].IntDocNumber == "" {
		return domain.TTNResult{}, &domain.ProviderError{Provider: ProviderName, StatusCode: http.StatusBadGateway, Message: "empty InternetDocument.save response"}
	}

	point := order.Shipment.PickupPointType
	if point == "" {
		point = domain.PickupPointBranch
	}
	return domain.TTNResult{
		TTN:                   data[0].IntDocNumber,
		Ref:                   data[0].Ref,
		Cost:                  parseDecimal(data[0].CostOnSite),
		EstimatedDeliveryDate: data[0].EstimatedDeliveryDate,
		PickupPointType:       point,
	}, nil
}

type trackingDocument struct {
	DocumentNumber string `json:"DocumentNumber"`
}

type trackingRow struct {
	Number             string `json:"Number"`
	StatusCode         string `json:"StatusCode"`
	Status             string `json:"Status"`
	ActualDeliveryDate string `json:"ActualDeliveryDate"`
}

// TrackingStatuses запрашивает статусы пачками по 100 накладных.
func (c *Client) TrackingStatuses(ctx context.Context, ttns []string) ([]domain.TrackingStatus, error) {
	result := make([]domain.TrackingStatus, 0, len(ttns))
	for start := 0; start < len(ttns); start += trackingBatchSize {
		end := start + trackingBatchSize
		if end > len(ttns) {
			end = len(ttns)
		}

		docs := make([]trackingDocument, 0, end-start)
		for _, ttn := range ttns[start:end] {
			docs = append(docs, trackingDocument{DocumentNumber: ttn})
		}

		var rows []trackingRow
		if err := c.call(ctx, "TrackingDocument", "getStatusDocuments", map[string]any{"Documents": docs}, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			result = append(result, row.toStatus())
		}
	}
	return result, nil
}

func (r trackingRow) toStatus() domain.TrackingStatus {
	code, _ := strconv.Atoi(strings.TrimSpace(r.StatusCode))
	status := domain.TrackingStatus{TTN: r.Number, Code: code, Status: r.Status}
	if domain.IsArrivalCode(code) {
		if at, ok := parseNPTime(r.ActualDeliveryDate); ok {
			status.ArrivalAt = &at
		}
	}
	return status
}

func (c *Client) call(ctx context.Context, model, method string, props any, out any) error {
	body, err := json.Marshal(apiRequest{APIKey: c.cfg.APIKey, ModelName: model, CalledMethod: method, MethodProperties: props})
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", model, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: ProviderName, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &domain.ProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.ProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	var envelope apiResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &domain.ProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s.%s: %w", model, method, err)}
	}
	if !envelope.Success {
		c.logger.WithFields(log.Fields{
			"model":  model,
			"method": method,
			"errors": envelope.Errors,
		}).Warn("nova poshta request rejected")
		return &domain.ProviderError{
			Provider:   ProviderName,
			StatusCode: http.StatusBadRequest,
			Message:    strings.Join(envelope.Errors, "; "),
		}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &domain.ProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s.%s data: %w", model, method, err)}
	}
	return nil
}

func parseNPTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	at, err := time.ParseInLocation(npDateLayout, value, kyiv)
	if err != nil {
		return time.Time{}, false
	}
	return at.UTC(), true
}

func parseDecimal(v any) decimal.Decimal {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

var _ domain.DeliveryProvider = (*Client)(nil)
