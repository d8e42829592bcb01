package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FunnelState is the persisted per-chat state of the sales funnel.
type FunnelState string

const (
	StateIdle               FunnelState = "IDLE"
	StateInQuiz             FunnelState = "IN_QUIZ"
	StateAwaitingContact    FunnelState = "AWAITING_CONTACT"
	StatePaymentPending     FunnelState = "PAYMENT_PENDING"
	StateAdminMenu          FunnelState = "ADMIN_MENU"
	StateAdminBroadcastWait FunnelState = "ADMIN_BROADCAST_WAIT"
)

// QuizResult is the outcome category computed from the final quiz score.
type QuizResult string

const (
	ResultRisk      QuizResult = "risk"
	ResultNeighbors QuizResult = "neighbors"
	ResultAllies    QuizResult = "allies"
)

// Product identifies a purchasable item.
type Product string

const (
	ProductAudio  Product = "audio"
	ProductSystem Product = "system"
)

// TimestampField names one of the campaign-bookkeeping columns on users.
// Values double as column names; the db layer validates against a closed set.
type TimestampField string

const (
	FieldQuizFinishedAt       TimestampField = "quiz_finished_at"
	FieldUpsellSentAt         TimestampField = "upsell_sent_at"
	FieldAudioPurchasedAt     TimestampField = "audio_purchased_at"
	FieldSystemPurchasedAt    TimestampField = "system_purchased_at"
	FieldSystemOfferSentAt    TimestampField = "system_offer_sent_at"
	FieldFollowupAudioSentAt  TimestampField = "followup_audio_sent_at"
	FieldFollowupSystemSentAt TimestampField = "followup_system_sent_at"
)

// PurchasedField maps a product to the timestamp set when it is delivered.
func PurchasedField(p Product) TimestampField {
	if p == ProductSystem {
		return FieldSystemPurchasedAt
	}
	return FieldAudioPurchasedAt
}

// UserFunnel is one row of the funnel store, keyed by chat id.
type UserFunnel struct {
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
	LastName  string

	State          FunnelState
	QuestionIndex  int
	Score          int
	LastResult     *QuizResult
	ReceiptContact string
	PendingProduct *Product

	QuizFinishedAt       *time.Time
	UpsellSentAt         *time.Time
	AudioPurchasedAt     *time.Time
	SystemPurchasedAt    *time.Time
	SystemOfferSentAt    *time.Time
	FollowupAudioSentAt  *time.Time
	FollowupSystemSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timestamp returns the value of a campaign-bookkeeping field.
func (u *UserFunnel) Timestamp(f TimestampField) *time.Time {
	switch f {
	case FieldQuizFinishedAt:
		return u.QuizFinishedAt
	case FieldUpsellSentAt:
		return u.UpsellSentAt
	case FieldAudioPurchasedAt:
		return u.AudioPurchasedAt
	case FieldSystemPurchasedAt:
		return u.SystemPurchasedAt
	case FieldSystemOfferSentAt:
		return u.SystemOfferSentAt
	case FieldFollowupAudioSentAt:
		return u.FollowupAudioSentAt
	case FieldFollowupSystemSentAt:
		return u.FollowupSystemSentAt
	}
	return nil
}

// PaymentStatus mirrors the gateway's payment lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentUnknown   PaymentStatus = "UNKNOWN"
)

// ParsePaymentStatus maps a raw gateway status string to the local enum.
func ParsePaymentStatus(s string) PaymentStatus {
	switch s {
	case "pending", "PENDING":
		return PaymentPending
	case "succeeded", "SUCCEEDED":
		return PaymentSucceeded
	case "canceled", "CANCELED":
		return PaymentCanceled
	}
	return PaymentUnknown
}

// Payment is one row of the payment ledger, keyed by the gateway payment id.
//
// Delivered implies Status == PaymentSucceeded, and flips false -> true at
// most once ever for a given id. The store enforces the transition with a
// single conditional update.
type Payment struct {
	PaymentID       string
	ChatID          int64
	Product         Product
	Amount          decimal.Decimal
	Status          PaymentStatus
	ConfirmationURL string
	ReceiptContact  string
	Delivered       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContactType distinguishes the two accepted receipt contact kinds.
type ContactType string

const (
	ContactEmail ContactType = "email"
	ContactPhone ContactType = "phone"
)

// Contact is a validated receipt contact (email or normalized phone).
type Contact struct {
	Type  ContactType
	Value string
}
