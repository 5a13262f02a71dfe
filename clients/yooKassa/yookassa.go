package yookassa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://api.yookassa.ru/v3"
	defaultTimeout = 30 * time.Second

	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusCanceled  = "canceled"

	EventPaymentSucceeded = "payment.succeeded"
)

var (
	ErrNotPaid         = errors.New("payment is not paid")
	ErrMissingMetadata = errors.New("payment metadata is incomplete")
)

type Config struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
	Timeout   time.Duration
}

type YooKassaClient struct {
	shopID    string
	secretKey string
	returnURL string
	baseURL   string
	http      *http.Client
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type YooKassaPaymentRequest struct {
	Amount       Amount                 `json:"amount"`
	Capture      bool                   `json:"capture"`
	Confirmation map[string]interface{} `json:"confirmation"`
	Description  string                 `json:"description"`
	Metadata     map[string]string      `json:"metadata"`
	Receipt      *Receipt               `json:"receipt,omitempty"`
}

type Receipt struct {
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	Items []ReceiptItem `json:"items"`
}

type ReceiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         Amount `json:"amount"`
	VatCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode"`
	PaymentSubject string `json:"payment_subject"`
}

type YooKassaPaymentResponse struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	Amount       Amount                 `json:"amount"`
	Description  string                 `json:"description"`
	CreatedAt    string                 `json:"created_at"`
	Confirmation map[string]interface{} `json:"confirmation"`
	Paid         bool                   `json:"paid"`
	Refundable   bool                   `json:"refundable"`
	Metadata     map[string]string      `json:"metadata"`
}

// ConfirmationURL is where the payer completes the payment.
func (p *YooKassaPaymentResponse) ConfirmationURL() string {
	if p == nil {
		return ""
	}
	u, _ := p.Confirmation["confirmation_url"].(string)
	return u
}

// PaymentRequest describes one plan purchase.
type PaymentRequest struct {
	SubscriberID string
	PlanID       string
	Amount       float64
	Description  string
	Email        string
}

// Confirmation is a verified, paid payment.
type Confirmation struct {
	PaymentID    string
	SubscriberID string
	PlanID       string
	Amount       float64
}

// Notification is the body YooKassa posts to the webhook.
type Notification struct {
	Type   string                  `json:"type"`
	Event  string                  `json:"event"`
	Object YooKassaPaymentResponse `json:"object"`
}

func New(cfg Config) *YooKassaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &YooKassaClient{
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		returnURL: cfg.ReturnURL,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
	}
}

// CreatePayment opens a redirect payment for a plan. The subscriber and plan
// travel in metadata so Confirm can recover them.
func (y *YooKassaClient) CreatePayment(ctx context.Context, pr PaymentRequest) (*YooKassaPaymentResponse, error) {
	paymentReq := YooKassaPaymentRequest{
		Amount:  Amount{Value: fmt.Sprintf("%.2f", pr.Amount), Currency: "RUB"},
		Capture: true,
		Confirmation: map[string]interface{}{
			"type":       "redirect",
			"return_url": y.returnURL,
		},
		Description: pr.Description,
		Metadata: map[string]string{
			"chat_id":  pr.SubscriberID,
			"plan_id":  pr.PlanID,
			"order_id": fmt.Sprintf("order_%s_%d", pr.SubscriberID, time.Now().Unix()),
		},
	}

	if pr.Email != "" {
		paymentReq.Receipt = &Receipt{
			Items: []ReceiptItem{{
				Description:    pr.Description,
				Quantity:       "1.00",
				Amount:         paymentReq.Amount,
				VatCode:        1,
				PaymentMode:    "full_payment",
				PaymentSubject: "service",
			}},
		}
		paymentReq.Receipt.Customer.Email = pr.Email
	}

	jsonData, err := json.Marshal(paymentReq)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	var paymentResp YooKassaPaymentResponse
	if err := y.do(ctx, http.MethodPost, "/payments", jsonData, &paymentResp); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	log.Info().
		Str("payment_id", paymentResp.ID).
		Str("subscriber_id", pr.SubscriberID).
		Str("plan_id", pr.PlanID).
		Msg("Payment created")
	return &paymentResp, nil
}

func (y *YooKassaClient) GetPayment(ctx context.Context, paymentID string) (*YooKassaPaymentResponse, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	var paymentResp YooKassaPaymentResponse
	if err := y.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, &paymentResp); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	return &paymentResp, nil
}

// Confirm fetches the payment from YooKassa and accepts it only when it has
// succeeded and carries our metadata. Webhook bodies are never trusted on
// their own; the payment is always re-read from the API.
func (y *YooKassaClient) Confirm(ctx context.Context, paymentID string) (*Confirmation, error) {
	payment, err := y.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return ConfirmationFrom(payment)
}

// ConfirmationFrom validates an already fetched payment.
func ConfirmationFrom(payment *YooKassaPaymentResponse) (*Confirmation, error) {
	if payment.Status != StatusSucceeded || !payment.Paid {
		return nil, fmt.Errorf("%w: status %s", ErrNotPaid, payment.Status)
	}
	subscriberID := payment.Metadata["chat_id"]
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: chat_id", ErrMissingMetadata)
	}
	amount, err := strconv.ParseFloat(payment.Amount.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", payment.Amount.Value, err)
	}
	return &Confirmation{
		PaymentID:    payment.ID,
		SubscriberID: subscriberID,
		PlanID:       payment.Metadata["plan_id"],
		Amount:       amount,
	}, nil
}

// ParseNotification decodes a webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Object.ID == "" {
		return nil, fmt.Errorf("notification without payment id")
	}
	return &n, nil
}

func (y *YooKassaClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	auth := fmt.Sprintf("%s:%s", y.shopID, y.secretKey)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := y.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yookassa api error: %s, body: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
