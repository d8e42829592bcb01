package funnel

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quiz-bot/internal/config"
	"quiz-bot/internal/models"
	"quiz-bot/internal/payment"
	"quiz-bot/pkg/logger"
)

// Engine consumes inbound chat events, mutates the funnel store and
// decides outbound actions. Inbound events are processed sequentially by
// the transport loop; the engine re-reads persisted state before every
// decision instead of caching rows across operations.
type Engine struct {
	cfg       *config.Config
	users     UserStore
	ledger    payment.Ledger
	cache     MediaCache
	transport Transport
	rec       *payment.Reconciler
	log       *logger.Logger

	now func() time.Time
}

// NewEngine wires the funnel engine. rec may be nil when no payment
// gateway is configured; purchase intents then answer with a notice.
func NewEngine(cfg *config.Config, users UserStore, ledger payment.Ledger, cache MediaCache, transport Transport, rec *payment.Reconciler, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		users:     users,
		ledger:    ledger,
		cache:     cache,
		transport: transport,
		rec:       rec,
		log:       log,
		now:       time.Now,
	}
}

// HandleStart processes /start with an optional deep-link parameter. The
// configured audio deep link short-circuits straight to the offer;
// anything else resets the funnel and shows the welcome prompt.
func (e *Engine) HandleStart(ctx context.Context, chat Chat, param string) error {
	if _, err := e.users.UpsertUser(ctx, chat.ChatID, chat.UserID, chat.Username, chat.FirstName, chat.LastName); err != nil {
		return err
	}

	if param != "" && param == e.cfg.StartParamAudio {
		return e.HandlePurchaseIntent(ctx, chat, models.ProductAudio)
	}

	if err := e.users.ResetForStart(ctx, chat.ChatID); err != nil {
		return err
	}
	_, err := e.transport.SendText(ctx, chat.ChatID, welcomeText,
		Button{Text: "ПОГНАЛИ 🚀", Data: "quiz:go"})
	return err
}

// HandleText processes free-text messages according to the current state.
func (e *Engine) HandleText(ctx context.Context, chat Chat, text string) error {
	u, err := e.users.UpsertUser(ctx, chat.ChatID, chat.UserID, chat.Username, chat.FirstName, chat.LastName)
	if err != nil {
		return err
	}

	switch u.State {
	case models.StateAwaitingContact:
		return e.handleContactInput(ctx, chat, u, text)

	case models.StateAdminBroadcastWait:
		if !e.cfg.IsAdmin(chat.UserID) {
			e.log.Warnw("broadcast text from non-admin", "user_id", chat.UserID)
			return e.users.SetState(ctx, chat.ChatID, models.StateIdle)
		}
		if err := e.doBroadcast(ctx, chat.ChatID, text); err != nil {
			return err
		}
		if err := e.users.SetState(ctx, chat.ChatID, models.StateAdminMenu); err != nil {
			return err
		}
		return e.sendAdminMenu(ctx, chat.ChatID)
	}

	_, err = e.transport.SendText(ctx, chat.ChatID, notRunningText)
	return err
}

// HandleAdminCommand processes /admin. Non-admin invocations are denied
// silently: logged, no reply, no state change.
func (e *Engine) HandleAdminCommand(ctx context.Context, chat Chat) error {
	if _, err := e.users.UpsertUser(ctx, chat.ChatID, chat.UserID, chat.Username, chat.FirstName, chat.LastName); err != nil {
		return err
	}
	if !e.cfg.IsAdmin(chat.UserID) {
		e.log.Warnw("admin command denied", "user_id", chat.UserID, "chat_id", chat.ChatID)
		return nil
	}
	if err := e.users.SetState(ctx, chat.ChatID, models.StateAdminMenu); err != nil {
		return err
	}
	return e.sendAdminMenu(ctx, chat.ChatID)
}

// HandleCallback routes an inline-button press by its opaque payload and
// returns the short acknowledgement shown to the user.
func (e *Engine) HandleCallback(ctx context.Context, chat Chat, ref MessageRef, data string) (string, error) {
	if _, err := e.users.UpsertUser(ctx, chat.ChatID, chat.UserID, chat.Username, chat.FirstName, chat.LastName); err != nil {
		return "", err
	}

	switch {
	case data == "quiz:go":
		if err := e.users.StartQuiz(ctx, chat.ChatID); err != nil {
			return "", err
		}
		e.renderQuestion(ctx, ref, 1)
		return "Поехали 🚀", nil

	case strings.HasPrefix(data, "quiz:ans:"):
		return e.handleQuizAnswer(ctx, chat, ref, data)

	case strings.HasPrefix(data, "content:"):
		category := models.QuizResult(strings.TrimPrefix(data, "content:"))
		if err := e.sendResultPDF(ctx, chat.ChatID, category); err != nil {
			e.log.Errorw("failed to send result pdf", "chat_id", chat.ChatID, "error", err)
			return "Ошибка", nil
		}
		return "Отправляю файл 📎", nil

	case data == "buy:audio":
		return "Оформляю 💳", e.HandlePurchaseIntent(ctx, chat, models.ProductAudio)

	case data == "buy:system":
		return "Оформляю 💳", e.HandlePurchaseIntent(ctx, chat, models.ProductSystem)

	case strings.HasPrefix(data, "pay:check:"):
		return e.checkPayment(ctx, chat, strings.TrimPrefix(data, "pay:check:"))

	case strings.HasPrefix(data, "admin:"):
		return e.handleAdminCallback(ctx, chat, ref, data)
	}

	return "Ок", nil
}

// handleQuizAnswer applies one quiz answer. Replayed or stale button
// presses (index mismatch, quiz not running) are no-ops with a notice.
func (e *Engine) handleQuizAnswer(ctx context.Context, chat Chat, ref MessageRef, data string) (string, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 4 {
		return "Ок", nil
	}
	q, err := strconv.Atoi(parts[2])
	if err != nil || q < 1 || q > NumQuestions {
		return "Ок", nil
	}
	opt := parts[3]

	u, err := e.users.GetUser(ctx, chat.ChatID)
	if err != nil {
		return "", err
	}
	if u == nil || u.State != models.StateInQuiz {
		return "Тест не запущен. Нажми /start", nil
	}
	if u.QuestionIndex != q {
		return "Этот вопрос уже отвечен 🙂", nil
	}

	newScore := u.Score + OptionDelta(opt)

	if q < NumQuestions {
		if err := e.users.UpdateQuizProgress(ctx, chat.ChatID, q+1, newScore); err != nil {
			return "", err
		}
		e.renderQuestion(ctx, ref, q+1)
		return "Принято ✅", nil
	}

	result := CalcResult(newScore)
	if err := e.users.FinishQuiz(ctx, chat.ChatID, result, newScore, e.now()); err != nil {
		return "", err
	}
	e.renderResult(ctx, ref, result, newScore)
	return "Готово ✅", nil
}

// HandlePurchaseIntent starts the checkout flow for a product, detouring
// through contact collection when the gateway needs a receipt contact.
func (e *Engine) HandlePurchaseIntent(ctx context.Context, chat Chat, product models.Product) error {
	if e.rec == nil {
		_, err := e.transport.SendText(ctx, chat.ChatID, paymentsDisabledText)
		if err != nil {
			return err
		}
		return nil
	}

	u, err := e.users.GetUser(ctx, chat.ChatID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrNotFound
	}

	if u.ReceiptContact == "" {
		if err := e.users.SetPendingProduct(ctx, chat.ChatID, &product); err != nil {
			return err
		}
		if err := e.users.SetState(ctx, chat.ChatID, models.StateAwaitingContact); err != nil {
			return err
		}
		_, err := e.transport.SendText(ctx, chat.ChatID, askContactText)
		return err
	}

	contact := ParseContact(u.ReceiptContact)
	return e.beginPurchase(ctx, chat, product, contact)
}

// handleContactInput validates contact text in AwaitingContact. Invalid
// input re-prompts without a state change.
func (e *Engine) handleContactInput(ctx context.Context, chat Chat, u *models.UserFunnel, text string) error {
	contact := ParseContact(text)
	if contact == nil {
		_, err := e.transport.SendText(ctx, chat.ChatID, badContactText)
		return err
	}

	if err := e.users.SetReceiptContact(ctx, chat.ChatID, contact.Value); err != nil {
		return err
	}

	product := models.ProductAudio
	if u.PendingProduct != nil {
		product = *u.PendingProduct
	}
	if err := e.users.SetPendingProduct(ctx, chat.ChatID, nil); err != nil {
		return err
	}

	return e.beginPurchase(ctx, chat, product, contact)
}

func (e *Engine) productPrice(product models.Product) (decimal.Decimal, error) {
	raw := e.cfg.Products.AudioPriceRub
	if product == models.ProductSystem {
		raw = e.cfg.Products.SystemPriceRub
	}
	return decimal.NewFromString(raw)
}

// beginPurchase creates the Pending payment and surfaces the pay link plus
// a manual confirmation check to the user.
func (e *Engine) beginPurchase(ctx context.Context, chat Chat, product models.Product, contact *models.Contact) error {
	price, err := e.productPrice(product)
	if err != nil {
		return fmt.Errorf("invalid configured price for %s: %w", product, err)
	}

	fullName := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	p, err := e.rec.CreatePayment(ctx, payment.CreateRequest{
		ChatID:      chat.ChatID,
		Product:     product,
		Amount:      price,
		Description: ProductTitle(product),
		Contact:     contact,
		FullName:    fullName,
	})
	if err != nil {
		e.log.Errorw("failed to create payment", "chat_id", chat.ChatID, "product", product, "error", err)
		_, _ = e.transport.SendText(ctx, chat.ChatID, tryAgainText)
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	if err := e.users.SetState(ctx, chat.ChatID, models.StatePaymentPending); err != nil {
		return err
	}

	text := fmt.Sprintf("%s\n\nЦена: %s ₽. Нажмите «Оплатить», после оплаты вернитесь и нажмите «Я оплатил(а)».",
		ProductTitle(product), price.StringFixed(2))
	_, err = e.transport.SendText(ctx, chat.ChatID, text,
		Button{Text: "💳 Оплатить", URL: p.ConfirmationURL},
		Button{Text: "✅ Я оплатил(а)", Data: "pay:check:" + p.PaymentID},
	)
	return err
}

// checkPayment is the user-initiated confirmation path.
func (e *Engine) checkPayment(ctx context.Context, chat Chat, paymentID string) (string, error) {
	if e.rec == nil {
		_, _ = e.transport.SendText(ctx, chat.ChatID, paymentsDisabledText)
		return "Оплата недоступна", nil
	}

	p, deliveredNow, err := e.rec.CheckNow(ctx, paymentID)
	if err != nil {
		if err == payment.ErrPaymentNotFound {
			_, _ = e.transport.SendText(ctx, chat.ChatID, paymentNotFoundText)
			return "Не найдено", nil
		}
		e.log.Errorw("payment check failed", "payment_id", paymentID, "error", err)
		_, _ = e.transport.SendText(ctx, chat.ChatID, tryAgainText)
		return "Ошибка", nil
	}

	if deliveredNow {
		return "Оплата получена ✅", nil
	}

	switch {
	case p.Delivered:
		_, _ = e.transport.SendText(ctx, chat.ChatID, "✅ Оплата уже обработана, материалы отправлены.")
		return "Уже обработано", nil
	case p.Status == models.PaymentCanceled:
		_, _ = e.transport.SendText(ctx, chat.ChatID, "Платеж отменен. Можно оформить заново через /start.")
		return "Платеж отменен", nil
	default:
		_, _ = e.transport.SendText(ctx, chat.ChatID, "Платеж еще не подтвержден. Попробуйте чуть позже.")
		return "Еще не оплачено", nil
	}
}

// OnDeliveryClaimed performs the content hand-off for a payment whose
// delivery claim this process has exclusively won.
func (e *Engine) OnDeliveryClaimed(ctx context.Context, p *models.Payment) error {
	switch p.Product {
	case models.ProductSystem:
		if err := e.deliverSystemAccess(ctx, p.ChatID); err != nil {
			return err
		}
	default:
		if err := e.deliverAudioBundle(ctx, p.ChatID); err != nil {
			return err
		}
	}

	if err := e.users.MarkTimestampOnce(ctx, p.ChatID, models.PurchasedField(p.Product), e.now()); err != nil {
		return err
	}
	return e.users.SetState(ctx, p.ChatID, models.StateIdle)
}

func (e *Engine) deliverAudioBundle(ctx context.Context, chatID int64) error {
	if _, err := e.transport.SendText(ctx, chatID, audioDeliveredText); err != nil {
		return err
	}

	items := make([]Document, 0, len(e.cfg.Media.AudioFiles))
	keys := make([]string, 0, len(e.cfg.Media.AudioFiles))
	for _, name := range e.cfg.Media.AudioFiles {
		key := "audio:" + name
		fileID, err := e.cache.GetFileID(ctx, key)
		if err != nil {
			e.log.Warnw("media cache lookup failed", "key", key, "error", err)
		}
		items = append(items, Document{
			Name:    name,
			Caption: name,
			FileID:  fileID,
			Path:    filepath.Join(e.cfg.Media.Dir, name),
		})
		keys = append(keys, key)
	}

	fileIDs, err := e.transport.SendAudioAlbum(ctx, chatID, items)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	for i, id := range fileIDs {
		if i >= len(keys) || id == "" || items[i].FileID != "" {
			continue
		}
		if err := e.cache.PutFileID(ctx, keys[i], id); err != nil {
			e.log.Warnw("failed to cache file id", "key", keys[i], "error", err)
		}
	}
	return nil
}

func (e *Engine) deliverSystemAccess(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, systemDeliveredText,
		Button{Text: "📂 ОТКРЫТЬ МАТЕРИАЛЫ КУРСА", URL: e.cfg.Products.SystemMaterialsURL})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// sendResultPDF resolves the category's PDF through the content cache and
// records the transport handle after a first successful upload.
func (e *Engine) sendResultPDF(ctx context.Context, chatID int64, category models.QuizResult) error {
	var name string
	switch category {
	case models.ResultRisk:
		name = e.cfg.Media.PDFRisk
	case models.ResultNeighbors:
		name = e.cfg.Media.PDFNeighbors
	case models.ResultAllies:
		name = e.cfg.Media.PDFAllies
	default:
		return fmt.Errorf("%w: unknown result category %q", ErrNotFound, category)
	}

	key := "doc:" + name
	cached, err := e.cache.GetFileID(ctx, key)
	if err != nil {
		e.log.Warnw("media cache lookup failed", "key", key, "error", err)
	}

	fileID, err := e.transport.SendDocument(ctx, chatID, Document{
		Name:    name,
		Caption: "📎 Ваш PDF готов",
		FileID:  cached,
		Path:    filepath.Join(e.cfg.Media.Dir, name),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if cached == "" && fileID != "" {
		if err := e.cache.PutFileID(ctx, key, fileID); err != nil {
			e.log.Warnw("failed to cache file id", "key", key, "error", err)
		}
	}
	return nil
}

func answerButtons(q int) []Button {
	prefix := fmt.Sprintf("quiz:ans:%d:", q)
	return []Button{
		{Text: "А", Data: prefix + "A"},
		{Text: "Б", Data: prefix + "B"},
		{Text: "В", Data: prefix + "V"},
	}
}

// renderQuestion edits the quiz message in place, falling back to a fresh
// send when the edit is rejected (e.g. message too old).
func (e *Engine) renderQuestion(ctx context.Context, ref MessageRef, q int) {
	text := QuestionText(q)
	if err := e.transport.EditText(ctx, ref, text, answerButtons(q)...); err != nil {
		if _, err := e.transport.SendText(ctx, ref.ChatID, text, answerButtons(q)...); err != nil {
			e.log.Errorw("failed to render question", "chat_id", ref.ChatID, "question", q, "error", err)
		}
	}
}

func (e *Engine) renderResult(ctx context.Context, ref MessageRef, result models.QuizResult, score int) {
	text := ResultText(result) + fmt.Sprintf("\n\n<b>Ваши баллы:</b> %d", score)
	button := Button{Text: "📎 Получить файл", Data: "content:" + string(result)}
	if err := e.transport.EditText(ctx, ref, text, button); err != nil {
		if _, err := e.transport.SendText(ctx, ref.ChatID, text, button); err != nil {
			e.log.Errorw("failed to render result", "chat_id", ref.ChatID, "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Campaign sends (used by the scheduler)
// ---------------------------------------------------------------------------

func (e *Engine) SendUpsell(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, upsellText,
		Button{Text: "ЗАБРАТЬ АУДИО-ГИД", Data: "buy:audio"})
	return err
}

func (e *Engine) SendSystemOffer(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, systemOfferText,
		Button{Text: "ЗАБРАТЬ СИСТЕМУ", Data: "buy:system"})
	return err
}

func (e *Engine) SendFollowupAudio(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, followupAudioText,
		Button{Text: "КУПИТЬ", Data: "buy:audio"})
	return err
}

func (e *Engine) SendFollowupSystem(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, followupSystemText,
		Button{Text: "КУПИТЬ КУРС", Data: "buy:system"})
	return err
}
