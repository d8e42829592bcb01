package payment

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"

	"quiz-bot/internal/models"
)

// StripeClient implements Gateway over Stripe Checkout Sessions. Prices are
// passed inline, so no pre-created Stripe products are required.
type StripeClient struct {
	secretKey string
	returnURL string
}

func NewStripeClient(secretKey, returnURL string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{secretKey: secretKey, returnURL: returnURL}
}

func (s *StripeClient) CreatePayment(ctx context.Context, req CreateRequest) (*Created, error) {
	if stripe.Key != s.secretKey {
		stripe.Key = s.secretKey
	}

	cents := req.Amount.Mul(decimal.NewFromInt(100)).IntPart()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("rub"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(cents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.returnURL),
		CancelURL:         stripe.String(s.returnURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.ChatID, 10)),
	}
	params.AddMetadata("telegram_chat_id", strconv.FormatInt(req.ChatID, 10))
	params.AddMetadata("product", string(req.Product))
	if req.Contact != nil && req.Contact.Type == models.ContactEmail {
		params.CustomerEmail = stripe.String(req.Contact.Value)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &Created{
		ID:              sess.ID,
		Status:          models.PaymentPending,
		ConfirmationURL: sess.URL,
	}, nil
}

func (s *StripeClient) GetPayment(ctx context.Context, id string) (*Info, error) {
	if stripe.Key != s.secretKey {
		stripe.Key = s.secretKey
	}

	sess, err := session.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkout session: %w", err)
	}

	info := &Info{ID: sess.ID, Status: models.PaymentPending}
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		info.Status = models.PaymentSucceeded
		info.Paid = true
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		info.Status = models.PaymentCanceled
	}
	return info, nil
}
