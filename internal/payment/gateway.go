package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"quiz-bot/internal/models"
)

// ErrPaymentNotFound is returned when a payment id has no ledger row.
var ErrPaymentNotFound = errors.New("payment not found")

// CreateRequest describes a checkout to open with the gateway. Metadata
// must carry the chat id and product so async confirmations can be
// attributed without extra lookups.
type CreateRequest struct {
	ChatID      int64
	Product     models.Product
	Amount      decimal.Decimal
	Description string
	Contact     *models.Contact
	FullName    string
}

// Created is the gateway's response to a new checkout.
type Created struct {
	ID              string
	Status          models.PaymentStatus
	ConfirmationURL string
}

// Info is the gateway's view of an existing payment.
type Info struct {
	ID     string
	Status models.PaymentStatus
	Paid   bool
}

// Gateway is the remote payment provider. Implementations: YooKassa
// (default) and Stripe Checkout.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*Created, error)
	GetPayment(ctx context.Context, id string) (*Info, error)
}

// Ledger is the persisted per-payment store. ClaimDelivery must be a
// single atomic conditional write: it returns true for at most one caller
// per payment id, ever.
type Ledger interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error
	UpdatePaymentReceiptContact(ctx context.Context, paymentID, contact string) error
	ClaimDelivery(ctx context.Context, paymentID string) (bool, error)
	ExistsPayment(ctx context.Context, chatID int64, product models.Product) (bool, error)
	ExistsSucceeded(ctx context.Context, chatID int64, product models.Product) (bool, error)
	CountSucceeded(ctx context.Context) (int64, error)
	ListPendingPaymentIDs(ctx context.Context) ([]string, error)
}
