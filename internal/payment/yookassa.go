package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"quiz-bot/internal/models"
)

const yooAPIBase = "https://api.yookassa.ru/v3"

// YooKassaClient talks to the YooKassa REST API. Create requests carry an
// idempotence key, so a retried HTTP call cannot open a second payment.
type YooKassaClient struct {
	shopID    string
	secretKey string
	returnURL string
	http      *http.Client
}

func NewYooKassaClient(cfg struct {
	ShopID    string
	SecretKey string
	ReturnURL string
}) *YooKassaClient {
	return &YooKassaClient{
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		returnURL: cfg.ReturnURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

type yooAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yooCreateBody struct {
	Amount       yooAmount         `json:"amount"`
	Confirmation yooConfirmation   `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
	Receipt      *yooReceipt       `json:"receipt,omitempty"`
}

type yooConfirmation struct {
	Type      string `json:"type"`
	ReturnURL string `json:"return_url,omitempty"`
}

type yooReceipt struct {
	Customer yooCustomer `json:"customer"`
	Items    []yooItem   `json:"items"`
}

type yooCustomer struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type yooItem struct {
	Description string    `json:"description"`
	Quantity    string    `json:"quantity"`
	Amount      yooAmount `json:"amount"`
	VatCode     int       `json:"vat_code"`
}

type yooPayment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (c *YooKassaClient) CreatePayment(ctx context.Context, req CreateRequest) (*Created, error) {
	amount := yooAmount{Value: req.Amount.StringFixed(2), Currency: "RUB"}

	body := yooCreateBody{
		Amount:       amount,
		Confirmation: yooConfirmation{Type: "redirect", ReturnURL: c.returnURL},
		Capture:      true,
		Description:  req.Description,
		Metadata: map[string]string{
			"telegram_chat_id": fmt.Sprintf("%d", req.ChatID),
			"product":          string(req.Product),
		},
	}

	if req.Contact != nil {
		customer := yooCustomer{FullName: req.FullName}
		if req.Contact.Type == models.ContactEmail {
			customer.Email = req.Contact.Value
		} else {
			customer.Phone = req.Contact.Value
		}
		body.Receipt = &yooReceipt{
			Customer: customer,
			Items: []yooItem{{
				Description: req.Description,
				Quantity:    "1.00",
				Amount:      amount,
				VatCode:     1,
			}},
		}
	}

	var resp yooPayment
	if err := c.do(ctx, http.MethodPost, "/payments", &body, uuid.NewString(), &resp); err != nil {
		return nil, err
	}

	return &Created{
		ID:              resp.ID,
		Status:          models.ParsePaymentStatus(resp.Status),
		ConfirmationURL: resp.Confirmation.ConfirmationURL,
	}, nil
}

func (c *YooKassaClient) GetPayment(ctx context.Context, id string) (*Info, error) {
	var resp yooPayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+id, nil, "", &resp); err != nil {
		return nil, err
	}
	return &Info{
		ID:     resp.ID,
		Status: models.ParsePaymentStatus(resp.Status),
		Paid:   resp.Paid,
	}, nil
}

func (c *YooKassaClient) do(ctx context.Context, method, path string, body any, idemKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode yookassa request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, yooAPIBase+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotence-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read yookassa response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("yookassa %s %s: HTTP %d: %s", method, path, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode yookassa response: %w", err)
	}
	return nil
}
