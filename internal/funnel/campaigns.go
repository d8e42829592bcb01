package funnel

import (
	"context"
	"time"

	"quiz-bot/internal/config"
	"quiz-bot/internal/models"
	"quiz-bot/internal/payment"
	"quiz-bot/pkg/logger"
)

// Rule is one scheduled outreach: users whose Source timestamp crossed the
// Cutoff and whose Guard timestamp is still unset get one send, after a
// last-moment exclusion re-check against the payment ledger.
type Rule struct {
	Name   string
	Source models.TimestampField
	Guard  models.TimestampField
	Cutoff time.Duration

	// ExcludeProduct names the purchase that makes the outreach moot. A
	// succeeded purchase marks the user converted (purchase + guard
	// timestamps, no send). With ExcludeOnIntent, any recorded payment
	// attempt suppresses the send as well.
	ExcludeProduct  models.Product
	ExcludeOnIntent bool

	Send func(ctx context.Context, chatID int64) error
}

// Scheduler sweeps the funnel store on a fixed interval and fires one-shot
// campaigns. Selection is computed purely from persisted fields, so a
// restart can never cause a re-send: the guard timestamp is the only
// memory the scheduler has.
type Scheduler struct {
	users    UserStore
	ledger   payment.Ledger
	rules    []Rule
	interval time.Duration
	log      *logger.Logger

	now func() time.Time
}

func NewScheduler(users UserStore, ledger payment.Ledger, rules []Rule, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		users:    users,
		ledger:   ledger,
		rules:    rules,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// Sweep evaluates every rule once against the given instant. Per-item
// failures are logged and skipped; one bad user never aborts the batch.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	for _, rule := range s.rules {
		s.sweepRule(ctx, rule, now)
	}
}

func (s *Scheduler) sweepRule(ctx context.Context, rule Rule, now time.Time) {
	cutoff := now.Add(-rule.Cutoff)
	candidates, err := s.users.ListCampaignCandidates(ctx, rule.Source, rule.Guard, cutoff)
	if err != nil {
		s.log.Errorw("campaign candidate selection failed", "rule", rule.Name, "error", err)
		return
	}

	for _, u := range candidates {
		chatID := u.ChatID

		succeeded, err := s.ledger.ExistsSucceeded(ctx, chatID, rule.ExcludeProduct)
		if err != nil {
			s.log.Warnw("campaign exclusion check failed", "rule", rule.Name, "chat_id", chatID, "error", err)
			continue
		}
		if succeeded {
			// Converted between selection and send: record the purchase and
			// close out the rule without sending.
			if err := s.users.MarkTimestampOnce(ctx, chatID, models.PurchasedField(rule.ExcludeProduct), now); err != nil {
				s.log.Warnw("failed to mark purchase", "rule", rule.Name, "chat_id", chatID, "error", err)
			}
			s.markGuard(ctx, rule, chatID, now)
			continue
		}

		if rule.ExcludeOnIntent {
			exists, err := s.ledger.ExistsPayment(ctx, chatID, rule.ExcludeProduct)
			if err != nil {
				s.log.Warnw("campaign intent check failed", "rule", rule.Name, "chat_id", chatID, "error", err)
				continue
			}
			if exists {
				s.markGuard(ctx, rule, chatID, now)
				continue
			}
		}

		if err := rule.Send(ctx, chatID); err != nil {
			s.log.Warnw("campaign send failed", "rule", rule.Name, "chat_id", chatID, "error", err)
		}
		// The guard is written even when the send failed, so a flaky chat
		// can never turn into a resend storm.
		s.markGuard(ctx, rule, chatID, now)
	}
}

func (s *Scheduler) markGuard(ctx context.Context, rule Rule, chatID int64, now time.Time) {
	if err := s.users.MarkTimestampOnce(ctx, chatID, rule.Guard, now); err != nil {
		s.log.Errorw("failed to mark campaign guard", "rule", rule.Name, "chat_id", chatID, "error", err)
	}
}

// DefaultRules builds the four production campaigns from configuration.
func DefaultRules(e *Engine, cfg *config.Config) []Rule {
	return []Rule{
		{
			Name:            "upsell-after-quiz",
			Source:          models.FieldQuizFinishedAt,
			Guard:           models.FieldUpsellSentAt,
			Cutoff:          cfg.Campaigns.UpsellAfter,
			ExcludeProduct:  models.ProductAudio,
			ExcludeOnIntent: true,
			Send:            e.SendUpsell,
		},
		{
			Name:           "system-offer-after-audio",
			Source:         models.FieldAudioPurchasedAt,
			Guard:          models.FieldSystemOfferSentAt,
			Cutoff:         cfg.Campaigns.SystemOfferAfter,
			ExcludeProduct: models.ProductSystem,
			Send:           e.SendSystemOffer,
		},
		{
			Name:           "followup-audio-24h",
			Source:         models.FieldQuizFinishedAt,
			Guard:          models.FieldFollowupAudioSentAt,
			Cutoff:         cfg.Campaigns.FollowupAfter,
			ExcludeProduct: models.ProductAudio,
			Send:           e.SendFollowupAudio,
		},
		{
			Name:           "followup-system-24h",
			Source:         models.FieldAudioPurchasedAt,
			Guard:          models.FieldFollowupSystemSentAt,
			Cutoff:         cfg.Campaigns.FollowupAfter,
			ExcludeProduct: models.ProductSystem,
			Send:           e.SendFollowupSystem,
		},
	}
}
