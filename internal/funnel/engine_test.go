package funnel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"quiz-bot/internal/config"
	"quiz-bot/internal/models"
	"quiz-bot/internal/payment"
	"quiz-bot/pkg/logger"
)

// ---------------------------------------------------------------------------
// In-memory fakes mirroring the Postgres store semantics
// ---------------------------------------------------------------------------

type memUsers struct {
	mu    sync.Mutex
	users map[int64]*models.UserFunnel
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[int64]*models.UserFunnel{}}
}

func (m *memUsers) get(chatID int64) *models.UserFunnel {
	return m.users[chatID]
}

func (m *memUsers) UpsertUser(ctx context.Context, chatID, userID int64, username, firstName, lastName string) (*models.UserFunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[chatID]
	if !ok {
		u = &models.UserFunnel{ChatID: chatID, State: models.StateIdle}
		m.users[chatID] = u
	}
	u.UserID = userID
	u.Username = username
	u.FirstName = firstName
	u.LastName = lastName
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetUser(ctx context.Context, chatID int64) (*models.UserFunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[chatID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) ResetForStart(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.State = models.StateIdle
		u.QuestionIndex = 0
		u.Score = 0
		u.LastResult = nil
		u.PendingProduct = nil
		u.QuizFinishedAt = nil
		u.FollowupAudioSentAt = nil
		u.UpsellSentAt = nil
	}
	return nil
}

func (m *memUsers) StartQuiz(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.State = models.StateInQuiz
		u.QuestionIndex = 1
		u.Score = 0
		u.LastResult = nil
	}
	return nil
}

func (m *memUsers) UpdateQuizProgress(ctx context.Context, chatID int64, nextIndex, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.QuestionIndex = nextIndex
		u.Score = score
	}
	return nil
}

func (m *memUsers) FinishQuiz(ctx context.Context, chatID int64, result models.QuizResult, finalScore int, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.State = models.StateIdle
		u.QuestionIndex = 0
		u.Score = finalScore
		u.LastResult = &result
		u.QuizFinishedAt = &finishedAt
	}
	return nil
}

func (m *memUsers) SetState(ctx context.Context, chatID int64, state models.FunnelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.State = state
	}
	return nil
}

func (m *memUsers) SetReceiptContact(ctx context.Context, chatID int64, contact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.ReceiptContact = contact
	}
	return nil
}

func (m *memUsers) SetPendingProduct(ctx context.Context, chatID int64, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[chatID]; ok {
		u.PendingProduct = product
	}
	return nil
}

func (m *memUsers) MarkTimestampOnce(ctx context.Context, chatID int64, field models.TimestampField, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[chatID]
	if !ok {
		return nil
	}
	set := func(dst **time.Time) {
		if *dst == nil {
			v := t
			*dst = &v
		}
	}
	switch field {
	case models.FieldQuizFinishedAt:
		set(&u.QuizFinishedAt)
	case models.FieldUpsellSentAt:
		set(&u.UpsellSentAt)
	case models.FieldAudioPurchasedAt:
		set(&u.AudioPurchasedAt)
	case models.FieldSystemPurchasedAt:
		set(&u.SystemPurchasedAt)
	case models.FieldSystemOfferSentAt:
		set(&u.SystemOfferSentAt)
	case models.FieldFollowupAudioSentAt:
		set(&u.FollowupAudioSentAt)
	case models.FieldFollowupSystemSentAt:
		set(&u.FollowupSystemSentAt)
	default:
		return fmt.Errorf("unknown timestamp field %q", field)
	}
	return nil
}

func (m *memUsers) ListCampaignCandidates(ctx context.Context, source, guard models.TimestampField, cutoff time.Time) ([]models.UserFunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UserFunnel
	for _, u := range m.users {
		if u.State != models.StateIdle {
			continue
		}
		if u.Timestamp(guard) != nil {
			continue
		}
		src := u.Timestamp(source)
		if src == nil || src.After(cutoff) {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

func (m *memUsers) CountUsers(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *memUsers) CountFinished(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.QuizFinishedAt != nil {
			n++
		}
	}
	return n, nil
}

func (m *memUsers) ListAllChatIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	return ids, nil
}

type memLedger struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func newMemLedger() *memLedger {
	return &memLedger{payments: map[string]*models.Payment{}}
}

func (m *memLedger) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.PaymentID] = &cp
	return nil
}

func (m *memLedger) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// UpdatePaymentStatus mirrors the store: delivered rows are final.
func (m *memLedger) UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[paymentID]; ok && !p.Delivered {
		p.Status = status
	}
	return nil
}

func (m *memLedger) UpdatePaymentReceiptContact(ctx context.Context, paymentID, contact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[paymentID]; ok {
		p.ReceiptContact = contact
	}
	return nil
}

func (m *memLedger) ClaimDelivery(ctx context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != models.PaymentSucceeded || p.Delivered {
		return false, nil
	}
	p.Delivered = true
	return true, nil
}

func (m *memLedger) ExistsPayment(ctx context.Context, chatID int64, product models.Product) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ChatID == chatID && p.Product == product {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) ExistsSucceeded(ctx context.Context, chatID int64, product models.Product) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ChatID == chatID && p.Product == product && p.Status == models.PaymentSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) CountSucceeded(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.payments {
		if p.Status == models.PaymentSucceeded {
			n++
		}
	}
	return n, nil
}

func (m *memLedger) ListPendingPaymentIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, p := range m.payments {
		if p.Status == models.PaymentPending && !p.Delivered {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCache() *memCache { return &memCache{m: map[string]string{}} }

func (c *memCache) GetFileID(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCache) PutFileID(ctx context.Context, key, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = fileID
	return nil
}

type sentMsg struct {
	ChatID  int64
	Text    string
	Buttons []Button
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMsg
	edits  []sentMsg
	docs   []Document
	albums [][]Document
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string, buttons ...Button) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{ChatID: chatID, Text: text, Buttons: buttons})
	return MessageRef{ChatID: chatID, MessageID: len(f.sent)}, nil
}

func (f *fakeTransport) EditText(ctx context.Context, ref MessageRef, text string, buttons ...Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMsg{ChatID: ref.ChatID, Text: text, Buttons: buttons})
	return nil
}

func (f *fakeTransport) SendDocument(ctx context.Context, chatID int64, doc Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return "file-" + doc.Name, nil
}

func (f *fakeTransport) SendAudioAlbum(ctx context.Context, chatID int64, items []Document) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = append(f.albums, items)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = "file-" + item.Name
	}
	return ids, nil
}

func (f *fakeTransport) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) lastEdit(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("no messages edited")
	}
	return f.edits[len(f.edits)-1]
}

type fakeGateway struct {
	mu      sync.Mutex
	status  models.PaymentStatus
	paid    bool
	created int
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Created, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	return &payment.Created{
		ID:              fmt.Sprintf("pay-%d", g.created),
		Status:          models.PaymentPending,
		ConfirmationURL: "https://pay.test/confirm",
	}, nil
}

func (g *fakeGateway) GetPayment(ctx context.Context, id string) (*payment.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := g.status
	if status == "" {
		status = models.PaymentPending
	}
	return &payment.Info{ID: id, Status: status, Paid: g.paid}, nil
}

func (g *fakeGateway) setPaid() {
	g.mu.Lock()
	g.status = models.PaymentSucceeded
	g.paid = true
	g.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func nopLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telegram.AdminIDs = []int64{42}
	cfg.Products.AudioPriceRub = "490.00"
	cfg.Products.SystemPriceRub = "2990.00"
	cfg.Products.SystemMaterialsURL = "https://example.com/materials"
	cfg.Media.Dir = "testdata"
	cfg.Media.AudioFiles = []string{"part1.mp3", "part2.mp3"}
	cfg.Media.PDFRisk = "risk.pdf"
	cfg.Media.PDFNeighbors = "neighbors.pdf"
	cfg.Media.PDFAllies = "allies.pdf"
	cfg.Campaigns.SweepInterval = time.Minute
	cfg.Campaigns.UpsellAfter = 15 * time.Minute
	cfg.Campaigns.SystemOfferAfter = 5 * time.Minute
	cfg.Campaigns.FollowupAfter = 24 * time.Hour
	// Long intervals keep background watchers idle during tests.
	cfg.Payments.PollInterval = time.Hour
	cfg.Payments.PollTimeout = 2 * time.Hour
	cfg.StartParamAudio = "2"
	return cfg
}

type engineFixture struct {
	engine    *Engine
	users     *memUsers
	ledger    *memLedger
	cache     *memCache
	transport *fakeTransport
	gateway   *fakeGateway
	rec       *payment.Reconciler
}

func newFixture(t *testing.T, withPayments bool) *engineFixture {
	t.Helper()
	cfg := testConfig()
	users := newMemUsers()
	ledger := newMemLedger()
	cache := newMemCache()
	transport := &fakeTransport{}
	gateway := &fakeGateway{}

	var rec *payment.Reconciler
	if withPayments {
		rec = payment.NewReconciler(gateway, ledger, nopLogger(),
			cfg.Payments.PollInterval, cfg.Payments.PollTimeout)
		t.Cleanup(rec.StopAll)
	}

	engine := NewEngine(cfg, users, ledger, cache, transport, rec, nopLogger())
	if rec != nil {
		rec.SetDeliveryHook(engine.OnDeliveryClaimed)
	}
	return &engineFixture{
		engine: engine, users: users, ledger: ledger, cache: cache,
		transport: transport, gateway: gateway, rec: rec,
	}
}

func userChat(chatID int64) Chat {
	return Chat{ChatID: chatID, UserID: chatID, Username: "anna", FirstName: "Анна"}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStartShowsWelcome(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	if err := fx.engine.HandleStart(ctx, userChat(1), ""); err != nil {
		t.Fatal(err)
	}

	msg := fx.transport.lastSent(t)
	if msg.Text != welcomeText {
		t.Errorf("got %q, want welcome text", msg.Text)
	}
	if len(msg.Buttons) != 1 || msg.Buttons[0].Data != "quiz:go" {
		t.Errorf("welcome buttons = %+v, want single quiz:go", msg.Buttons)
	}
	if u := fx.users.get(1); u == nil || u.State != models.StateIdle {
		t.Errorf("user after /start = %+v, want idle", u)
	}
}

func TestStartResetsQuizButKeepsPurchases(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	u := fx.users.get(1)
	u.State = models.StateInQuiz
	u.QuestionIndex = 5
	u.Score = 7
	u.QuizFinishedAt = &now
	u.AudioPurchasedAt = &now

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}

	u = fx.users.get(1)
	if u.State != models.StateIdle || u.QuestionIndex != 0 || u.Score != 0 || u.QuizFinishedAt != nil {
		t.Errorf("quiz fields not reset: %+v", u)
	}
	if u.AudioPurchasedAt == nil {
		t.Error("purchase timestamp must survive /start")
	}
}

func TestFullQuizFlowMiddleAnswers(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)
	ref := MessageRef{ChatID: 1, MessageID: 100}

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	ack, err := fx.engine.HandleCallback(ctx, chat, ref, "quiz:go")
	if err != nil {
		t.Fatal(err)
	}
	if ack == "" {
		t.Error("quiz:go must acknowledge")
	}
	if edit := fx.transport.lastEdit(t); edit.Text != QuestionText(1) {
		t.Errorf("first question not rendered, got %q", edit.Text[:20])
	}

	for q := 1; q <= NumQuestions; q++ {
		data := fmt.Sprintf("quiz:ans:%d:B", q)
		if _, err := fx.engine.HandleCallback(ctx, chat, ref, data); err != nil {
			t.Fatalf("answer %d: %v", q, err)
		}
	}

	u := fx.users.get(1)
	if u.State != models.StateIdle {
		t.Errorf("state after quiz = %s, want idle", u.State)
	}
	if u.Score != 10 {
		t.Errorf("final score = %d, want 10", u.Score)
	}
	if u.LastResult == nil || *u.LastResult != models.ResultNeighbors {
		t.Errorf("result = %v, want neighbors", u.LastResult)
	}
	if u.QuizFinishedAt == nil {
		t.Error("quiz finish timestamp not set")
	}

	final := fx.transport.lastEdit(t)
	if !strings.Contains(final.Text, "10") {
		t.Errorf("result message missing score: %q", final.Text)
	}
	if len(final.Buttons) != 1 || final.Buttons[0].Data != "content:neighbors" {
		t.Errorf("result buttons = %+v, want content:neighbors", final.Buttons)
	}
}

func TestStaleAnswerIsNoOp(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)
	ref := MessageRef{ChatID: 1, MessageID: 100}

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.HandleCallback(ctx, chat, ref, "quiz:go"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.HandleCallback(ctx, chat, ref, "quiz:ans:1:V"); err != nil {
		t.Fatal(err)
	}
	scoreAfterFirst := fx.users.get(1).Score

	// Replayed press of the already-answered question.
	ack, err := fx.engine.HandleCallback(ctx, chat, ref, "quiz:ans:1:V")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ack, "уже") {
		t.Errorf("stale answer ack = %q, want already-answered notice", ack)
	}
	u := fx.users.get(1)
	if u.Score != scoreAfterFirst || u.QuestionIndex != 2 {
		t.Errorf("stale answer mutated state: score=%d index=%d", u.Score, u.QuestionIndex)
	}
}

func TestAnswerWithoutRunningQuiz(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)

	ack, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "quiz:ans:1:A")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ack, "/start") {
		t.Errorf("ack = %q, want restart hint", ack)
	}
}

func TestPurchaseWithPaymentsDisabled(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)

	if _, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "buy:audio"); err != nil {
		t.Fatal(err)
	}
	if msg := fx.transport.lastSent(t); msg.Text != paymentsDisabledText {
		t.Errorf("got %q, want payments-disabled notice", msg.Text)
	}
	if n, _ := fx.ledger.CountSucceeded(ctx); n != 0 || len(fx.ledger.payments) != 0 {
		t.Error("no payment rows expected when payments are disabled")
	}
}

func TestPurchaseContactFlow(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "buy:audio"); err != nil {
		t.Fatal(err)
	}

	u := fx.users.get(1)
	if u.State != models.StateAwaitingContact {
		t.Fatalf("state = %s, want awaiting contact", u.State)
	}
	if u.PendingProduct == nil || *u.PendingProduct != models.ProductAudio {
		t.Fatalf("pending product = %v, want audio", u.PendingProduct)
	}
	if msg := fx.transport.lastSent(t); msg.Text != askContactText {
		t.Errorf("got %q, want contact prompt", msg.Text)
	}

	// Invalid contact re-prompts without a state change.
	if err := fx.engine.HandleText(ctx, chat, "not a contact"); err != nil {
		t.Fatal(err)
	}
	if msg := fx.transport.lastSent(t); msg.Text != badContactText {
		t.Errorf("got %q, want invalid-contact notice", msg.Text)
	}
	if fx.users.get(1).State != models.StateAwaitingContact {
		t.Error("invalid contact must not change state")
	}

	// Valid contact resolves the pending purchase.
	if err := fx.engine.HandleText(ctx, chat, "test@example.com"); err != nil {
		t.Fatal(err)
	}
	u = fx.users.get(1)
	if u.ReceiptContact != "test@example.com" {
		t.Errorf("receipt contact = %q", u.ReceiptContact)
	}
	if u.PendingProduct != nil {
		t.Error("pending product must be cleared")
	}
	if u.State != models.StatePaymentPending {
		t.Errorf("state = %s, want payment pending", u.State)
	}

	p, err := fx.ledger.GetPayment(ctx, "pay-1")
	if err != nil || p == nil {
		t.Fatalf("payment row not created: %v", err)
	}
	if p.Product != models.ProductAudio || p.Status != models.PaymentPending {
		t.Errorf("payment = %+v", p)
	}
	if p.Amount.StringFixed(2) != "490.00" {
		t.Errorf("amount = %s, want 490.00", p.Amount.StringFixed(2))
	}

	msg := fx.transport.lastSent(t)
	var hasPayURL, hasCheck bool
	for _, b := range msg.Buttons {
		if b.URL == "https://pay.test/confirm" {
			hasPayURL = true
		}
		if b.Data == "pay:check:pay-1" {
			hasCheck = true
		}
	}
	if !hasPayURL || !hasCheck {
		t.Errorf("pay message buttons = %+v", msg.Buttons)
	}
}

func TestDeepLinkSkipsQuizForKnownContact(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	fx.users.get(1).ReceiptContact = "test@example.com"

	if err := fx.engine.HandleStart(ctx, chat, "2"); err != nil {
		t.Fatal(err)
	}
	if p, _ := fx.ledger.GetPayment(ctx, "pay-1"); p == nil || p.Product != models.ProductAudio {
		t.Fatalf("deep link must open an audio checkout, got %+v", p)
	}
	if fx.users.get(1).State != models.StatePaymentPending {
		t.Errorf("state = %s, want payment pending", fx.users.get(1).State)
	}
}

func TestCheckPaymentResolvesAndIsIdempotent(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	fx.users.get(1).ReceiptContact = "test@example.com"
	if err := fx.engine.HandlePurchaseIntent(ctx, chat, models.ProductAudio); err != nil {
		t.Fatal(err)
	}

	// Not paid yet.
	ack, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "pay:check:pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if ack != "Еще не оплачено" {
		t.Errorf("ack = %q, want pending notice", ack)
	}

	// Gateway confirms; the check delivers exactly once.
	fx.gateway.setPaid()
	ack, err = fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "pay:check:pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if ack != "Оплата получена ✅" {
		t.Errorf("ack = %q, want delivery confirmation", ack)
	}

	p, _ := fx.ledger.GetPayment(ctx, "pay-1")
	if p == nil || !p.Delivered || p.Status != models.PaymentSucceeded {
		t.Fatalf("payment after check = %+v", p)
	}
	u := fx.users.get(1)
	if u.AudioPurchasedAt == nil {
		t.Error("audio purchase timestamp not set")
	}
	if u.State != models.StateIdle {
		t.Errorf("state = %s, want idle after delivery", u.State)
	}
	if len(fx.transport.albums) != 1 {
		t.Fatalf("audio album sent %d times, want 1", len(fx.transport.albums))
	}

	// Second press must not deliver again.
	ack, err = fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "pay:check:pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if ack != "Уже обработано" {
		t.Errorf("second check ack = %q", ack)
	}
	if len(fx.transport.albums) != 1 {
		t.Errorf("duplicate check re-sent content: %d albums", len(fx.transport.albums))
	}
}

func TestCheckPaymentUnknownID(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	ack, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "pay:check:nope")
	if err != nil {
		t.Fatal(err)
	}
	if ack != "Не найдено" {
		t.Errorf("ack = %q, want not-found", ack)
	}
	if msg := fx.transport.lastSent(t); msg.Text != paymentNotFoundText {
		t.Errorf("got %q, want not-found notice", msg.Text)
	}
}

func TestSystemDeliveryGrantsMaterialsLink(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	err := fx.engine.OnDeliveryClaimed(ctx, &models.Payment{
		PaymentID: "pay-x", ChatID: 1, Product: models.ProductSystem,
		Status: models.PaymentSucceeded,
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := fx.transport.lastSent(t)
	if len(msg.Buttons) != 1 || msg.Buttons[0].URL != "https://example.com/materials" {
		t.Errorf("materials message buttons = %+v", msg.Buttons)
	}
	if fx.users.get(1).SystemPurchasedAt == nil {
		t.Error("system purchase timestamp not set")
	}
}

func TestAudioDeliveryCachesFileIDs(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	p := &models.Payment{PaymentID: "pay-x", ChatID: 1, Product: models.ProductAudio, Status: models.PaymentSucceeded}
	if err := fx.engine.OnDeliveryClaimed(ctx, p); err != nil {
		t.Fatal(err)
	}

	if got := fx.cache.m["audio:part1.mp3"]; got != "file-part1.mp3" {
		t.Errorf("cached id = %q", got)
	}

	// Second delivery (different user) reuses cached handles.
	if err := fx.engine.HandleStart(ctx, userChat(2), ""); err != nil {
		t.Fatal(err)
	}
	p2 := &models.Payment{PaymentID: "pay-y", ChatID: 2, Product: models.ProductAudio, Status: models.PaymentSucceeded}
	if err := fx.engine.OnDeliveryClaimed(ctx, p2); err != nil {
		t.Fatal(err)
	}
	second := fx.transport.albums[len(fx.transport.albums)-1]
	for _, item := range second {
		if item.FileID == "" {
			t.Errorf("item %s sent without cached file id", item.Name)
		}
	}
}

func TestResultPDFUsesCachedHandle(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	chat := userChat(1)

	if err := fx.engine.HandleStart(ctx, chat, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "content:neighbors"); err != nil {
		t.Fatal(err)
	}
	if got := fx.cache.m["doc:neighbors.pdf"]; got != "file-neighbors.pdf" {
		t.Errorf("cached pdf id = %q", got)
	}

	if _, err := fx.engine.HandleCallback(ctx, chat, MessageRef{ChatID: 1}, "content:neighbors"); err != nil {
		t.Fatal(err)
	}
	last := fx.transport.docs[len(fx.transport.docs)-1]
	if last.FileID != "file-neighbors.pdf" {
		t.Errorf("second send file id = %q, want cached handle", last.FileID)
	}
}

func TestAdminCommandSilentlyDeniedForOthers(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	if err := fx.engine.HandleAdminCommand(ctx, userChat(1)); err != nil {
		t.Fatal(err)
	}
	fx.transport.mu.Lock()
	sent := len(fx.transport.sent)
	fx.transport.mu.Unlock()
	if sent != 0 {
		t.Errorf("non-admin /admin produced %d messages, want silence", sent)
	}

	admin := Chat{ChatID: 42, UserID: 42}
	if err := fx.engine.HandleAdminCommand(ctx, admin); err != nil {
		t.Fatal(err)
	}
	if msg := fx.transport.lastSent(t); len(msg.Buttons) == 0 {
		t.Error("admin menu must carry action buttons")
	}
	if fx.users.get(42).State != models.StateAdminMenu {
		t.Errorf("admin state = %s", fx.users.get(42).State)
	}
}

func TestBroadcastReachesAllUsers(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if err := fx.engine.HandleStart(ctx, userChat(id), ""); err != nil {
			t.Fatal(err)
		}
	}
	admin := Chat{ChatID: 42, UserID: 42}
	if err := fx.engine.HandleAdminCommand(ctx, admin); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.HandleCallback(ctx, admin, MessageRef{ChatID: 42}, "admin:broadcast"); err != nil {
		t.Fatal(err)
	}
	if fx.users.get(42).State != models.StateAdminBroadcastWait {
		t.Fatalf("state = %s, want broadcast wait", fx.users.get(42).State)
	}

	if err := fx.engine.HandleText(ctx, admin, "Всем привет!"); err != nil {
		t.Fatal(err)
	}

	fx.transport.mu.Lock()
	var reached int
	for _, m := range fx.transport.sent {
		if m.Text == "Всем привет!" {
			reached++
		}
	}
	fx.transport.mu.Unlock()
	if reached != 4 { // three users plus the admin's own row
		t.Errorf("broadcast reached %d chats, want 4", reached)
	}
	if fx.users.get(42).State != models.StateAdminMenu {
		t.Errorf("state after broadcast = %s, want admin menu", fx.users.get(42).State)
	}
}
