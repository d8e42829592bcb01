package payment

import (
	"context"
	"sync"
	"time"

	"quiz-bot/internal/models"
	"quiz-bot/pkg/logger"
)

// DeliveryHook is invoked exactly once per payment, by whichever caller
// wins the delivery claim.
type DeliveryHook func(ctx context.Context, p *models.Payment) error

// Reconciler creates payments and drives them to a terminal state. Three
// paths can race to resolve the same payment: the gateway webhook, the
// per-payment polling loop, and a user-initiated check. All of them
// converge on TryDeliver, which is gated by the ledger's atomic claim.
type Reconciler struct {
	gateway Gateway
	ledger  Ledger
	log     *logger.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu       sync.Mutex
	watchers map[string]context.CancelFunc

	onDelivered DeliveryHook
}

func NewReconciler(gateway Gateway, ledger Ledger, log *logger.Logger, pollInterval, pollTimeout time.Duration) *Reconciler {
	return &Reconciler{
		gateway:      gateway,
		ledger:       ledger,
		log:          log,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		watchers:     make(map[string]context.CancelFunc),
	}
}

// SetDeliveryHook wires the funnel engine's delivery callback. Must be
// called before any payment can resolve.
func (r *Reconciler) SetDeliveryHook(h DeliveryHook) {
	r.onDelivered = h
}

// CreatePayment opens a checkout with the gateway, records the Pending row
// and starts the polling watcher. Safe to call once per purchase intent;
// the caller governs duplicate intents via funnel state.
func (r *Reconciler) CreatePayment(ctx context.Context, req CreateRequest) (*models.Payment, error) {
	created, err := r.gateway.CreatePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	p := &models.Payment{
		PaymentID:       created.ID,
		ChatID:          req.ChatID,
		Product:         req.Product,
		Amount:          req.Amount,
		Status:          created.Status,
		ConfirmationURL: created.ConfirmationURL,
	}
	if req.Contact != nil {
		p.ReceiptContact = req.Contact.Value
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}

	if err := r.ledger.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	r.Watch(p.PaymentID)
	return p, nil
}

// Watch starts the polling loop for a payment unless one is already
// running. The loop self-terminates on a terminal status, a resolved
// delivery, or the hard timeout; the registry holds cancellation handles
// only and is never a source of truth.
func (r *Reconciler) Watch(paymentID string) {
	r.mu.Lock()
	if _, ok := r.watchers[paymentID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.pollTimeout)
	r.watchers[paymentID] = cancel
	r.mu.Unlock()

	go r.poll(ctx, paymentID)
}

func (r *Reconciler) poll(ctx context.Context, paymentID string) {
	defer r.unwatch(paymentID)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Hard timeout abandons polling without canceling the payment;
			// a later manual check or webhook can still resolve it.
			return
		case <-ticker.C:
			done, err := r.tick(ctx, paymentID)
			if err != nil {
				r.log.Warnw("payment poll tick failed", "payment_id", paymentID, "error", err)
				continue
			}
			if done {
				return
			}
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, paymentID string) (bool, error) {
	p, err := r.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if p == nil || p.Delivered || p.Status == models.PaymentCanceled {
		return true, nil
	}

	info, err := r.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if err := r.ledger.UpdatePaymentStatus(ctx, paymentID, info.Status); err != nil {
		return false, err
	}

	switch {
	case info.Status == models.PaymentSucceeded && info.Paid:
		if _, err := r.TryDeliver(ctx, paymentID); err != nil {
			return false, err
		}
		return true, nil
	case info.Status == models.PaymentCanceled:
		return true, nil
	}
	return false, nil
}

func (r *Reconciler) unwatch(paymentID string) {
	r.mu.Lock()
	cancel, ok := r.watchers[paymentID]
	delete(r.watchers, paymentID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every running watcher (shutdown path).
func (r *Reconciler) StopAll() {
	r.mu.Lock()
	for id, cancel := range r.watchers {
		cancel()
		delete(r.watchers, id)
	}
	r.mu.Unlock()
}

// ResumePending restarts watchers for payments that were still Pending
// when the process last stopped.
func (r *Reconciler) ResumePending(ctx context.Context) error {
	ids, err := r.ledger.ListPendingPaymentIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.Watch(id)
	}
	if len(ids) > 0 {
		r.log.Infow("resumed pending payment watchers", "count", len(ids))
	}
	return nil
}

// TryDeliver attempts the exactly-once delivery claim. Only the winning
// caller runs the delivery hook; losers return false with no error —
// a lost claim means the payment is already handled.
func (r *Reconciler) TryDeliver(ctx context.Context, paymentID string) (bool, error) {
	won, err := r.ledger.ClaimDelivery(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	p, err := r.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return true, err
	}
	if p == nil {
		return true, ErrPaymentNotFound
	}

	if r.onDelivered != nil {
		if err := r.onDelivered(ctx, p); err != nil {
			// The claim is already ours; a failed hand-off is logged, not
			// retried, so content can never be delivered twice.
			r.log.Errorw("delivery hook failed", "payment_id", paymentID, "error", err)
		}
	}
	return true, nil
}

// HandleGatewayEvent is the push-confirmation path (webhook). The inbound
// notification is only a wake-up: webhook bodies are not authenticated, so
// the status that gets written comes from our own fetch against the
// gateway, never from the request. Delivery still goes through the claim.
// Delivered rows are final and ignore late or duplicate events.
func (r *Reconciler) HandleGatewayEvent(ctx context.Context, paymentID string) error {
	p, err := r.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPaymentNotFound
	}
	if p.Delivered {
		return nil
	}

	info, err := r.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if err := r.ledger.UpdatePaymentStatus(ctx, paymentID, info.Status); err != nil {
		return err
	}

	if info.Status == models.PaymentSucceeded && info.Paid {
		if _, err := r.TryDeliver(ctx, paymentID); err != nil {
			return err
		}
	}
	return nil
}

// CheckNow fetches the remote status once, on user request, and attempts
// delivery if the payment turns out to be paid. Returns the refreshed row
// and whether this call performed the delivery.
func (r *Reconciler) CheckNow(ctx context.Context, paymentID string) (*models.Payment, bool, error) {
	p, err := r.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, ErrPaymentNotFound
	}
	if p.Delivered {
		return p, false, nil
	}

	info, err := r.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if err := r.ledger.UpdatePaymentStatus(ctx, paymentID, info.Status); err != nil {
		return nil, false, err
	}

	delivered := false
	if info.Status == models.PaymentSucceeded && info.Paid {
		delivered, err = r.TryDeliver(ctx, paymentID)
		if err != nil {
			return nil, false, err
		}
	}

	p, err = r.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, delivered, err
	}
	return p, delivered, nil
}
