package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"quiz-bot/internal/models"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(cfg struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}) (*PostgresDB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate creates the schema when missing. Statements are individually
// idempotent; no multi-statement transaction is assumed.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			chat_id BIGINT PRIMARY KEY,
			user_id BIGINT,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			state TEXT NOT NULL,
			question_index INT NOT NULL DEFAULT 0,
			score INT NOT NULL DEFAULT 0,
			last_result TEXT,
			receipt_contact TEXT,
			pending_product TEXT,

			quiz_finished_at TIMESTAMPTZ,
			upsell_sent_at TIMESTAMPTZ,
			audio_purchased_at TIMESTAMPTZ,
			system_purchased_at TIMESTAMPTZ,
			system_offer_sent_at TIMESTAMPTZ,
			followup_audio_sent_at TIMESTAMPTZ,
			followup_system_sent_at TIMESTAMPTZ,

			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			product TEXT NOT NULL,
			amount_value TEXT NOT NULL,
			status TEXT NOT NULL,
			confirmation_url TEXT,
			receipt_contact TEXT,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS media_cache (
			media_key TEXT PRIMARY KEY,
			telegram_file_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_chat_id ON payments(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_state ON users(state)`,
	}

	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Funnel store (users)
// ---------------------------------------------------------------------------

const userColumns = `chat_id, user_id, username, first_name, last_name, state,
	question_index, score, last_result, receipt_contact, pending_product,
	quiz_finished_at, upsell_sent_at, audio_purchased_at, system_purchased_at,
	system_offer_sent_at, followup_audio_sent_at, followup_system_sent_at,
	created_at, updated_at`

func (db *PostgresDB) UpsertUser(ctx context.Context, chatID, userID int64, username, firstName, lastName string) (*models.UserFunnel, error) {
	query := `
        INSERT INTO users (chat_id, user_id, username, first_name, last_name, state)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (chat_id) DO UPDATE
        SET user_id = $2, username = $3, first_name = $4, last_name = $5, updated_at = NOW()
    `

	_, err := db.pool.Exec(ctx, query, chatID, userID, username, firstName, lastName, models.StateIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return db.GetUser(ctx, chatID)
}

func (db *PostgresDB) GetUser(ctx context.Context, chatID int64) (*models.UserFunnel, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE chat_id = $1`

	row := db.pool.QueryRow(ctx, query, chatID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*models.UserFunnel, error) {
	var u models.UserFunnel
	var state string
	var lastResult, contact, pending *string

	err := row.Scan(
		&u.ChatID, &u.UserID, &u.Username, &u.FirstName, &u.LastName, &state,
		&u.QuestionIndex, &u.Score, &lastResult, &contact, &pending,
		&u.QuizFinishedAt, &u.UpsellSentAt, &u.AudioPurchasedAt, &u.SystemPurchasedAt,
		&u.SystemOfferSentAt, &u.FollowupAudioSentAt, &u.FollowupSystemSentAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.State = models.FunnelState(state)
	if lastResult != nil {
		r := models.QuizResult(*lastResult)
		u.LastResult = &r
	}
	if contact != nil {
		u.ReceiptContact = *contact
	}
	if pending != nil {
		p := models.Product(*pending)
		u.PendingProduct = &p
	}
	return &u, nil
}

// ResetForStart clears quiz progress and the reset-scoped campaign
// timestamps for a fresh funnel attempt. Purchase timestamps survive.
func (db *PostgresDB) ResetForStart(ctx context.Context, chatID int64) error {
	query := `
        UPDATE users
        SET state = $2, question_index = 0, score = 0, last_result = NULL,
            pending_product = NULL, quiz_finished_at = NULL,
            followup_audio_sent_at = NULL, upsell_sent_at = NULL,
            updated_at = NOW()
        WHERE chat_id = $1
    `
	_, err := db.pool.Exec(ctx, query, chatID, models.StateIdle)
	return err
}

func (db *PostgresDB) StartQuiz(ctx context.Context, chatID int64) error {
	query := `
        UPDATE users
        SET state = $2, question_index = 1, score = 0, last_result = NULL, updated_at = NOW()
        WHERE chat_id = $1
    `
	_, err := db.pool.Exec(ctx, query, chatID, models.StateInQuiz)
	return err
}

func (db *PostgresDB) UpdateQuizProgress(ctx context.Context, chatID int64, nextIndex, score int) error {
	query := `
        UPDATE users
        SET question_index = $2, score = $3, updated_at = NOW()
        WHERE chat_id = $1
    `
	_, err := db.pool.Exec(ctx, query, chatID, nextIndex, score)
	return err
}

func (db *PostgresDB) FinishQuiz(ctx context.Context, chatID int64, result models.QuizResult, finalScore int, finishedAt time.Time) error {
	query := `
        UPDATE users
        SET state = $2, question_index = 0, score = $3, last_result = $4,
            quiz_finished_at = $5, updated_at = NOW()
        WHERE chat_id = $1
    `
	_, err := db.pool.Exec(ctx, query, chatID, models.StateIdle, finalScore, string(result), finishedAt)
	return err
}

func (db *PostgresDB) SetState(ctx context.Context, chatID int64, state models.FunnelState) error {
	query := `UPDATE users SET state = $2, updated_at = NOW() WHERE chat_id = $1`
	_, err := db.pool.Exec(ctx, query, chatID, string(state))
	return err
}

func (db *PostgresDB) SetReceiptContact(ctx context.Context, chatID int64, contact string) error {
	query := `UPDATE users SET receipt_contact = $2, updated_at = NOW() WHERE chat_id = $1`
	_, err := db.pool.Exec(ctx, query, chatID, contact)
	return err
}

func (db *PostgresDB) SetPendingProduct(ctx context.Context, chatID int64, product *models.Product) error {
	query := `UPDATE users SET pending_product = $2, updated_at = NOW() WHERE chat_id = $1`
	var p *string
	if product != nil {
		s := string(*product)
		p = &s
	}
	_, err := db.pool.Exec(ctx, query, chatID, p)
	return err
}

// timestampColumns is the closed set of columns MarkTimestampOnce and
// ListCampaignCandidates may touch; field values are interpolated into SQL
// and must never come from user input.
var timestampColumns = map[models.TimestampField]bool{
	models.FieldQuizFinishedAt:       true,
	models.FieldUpsellSentAt:         true,
	models.FieldAudioPurchasedAt:     true,
	models.FieldSystemPurchasedAt:    true,
	models.FieldSystemOfferSentAt:    true,
	models.FieldFollowupAudioSentAt:  true,
	models.FieldFollowupSystemSentAt: true,
}

// MarkTimestampOnce sets a sentinel timestamp only if it is still unset.
// The first writer wins; later calls are no-ops.
func (db *PostgresDB) MarkTimestampOnce(ctx context.Context, chatID int64, field models.TimestampField, t time.Time) error {
	if !timestampColumns[field] {
		return fmt.Errorf("unknown timestamp field %q", field)
	}
	query := fmt.Sprintf(
		`UPDATE users SET %s = $2, updated_at = NOW() WHERE chat_id = $1 AND %s IS NULL`,
		field, field,
	)
	_, err := db.pool.Exec(ctx, query, chatID, t)
	return err
}

// ListCampaignCandidates selects idle users whose source timestamp crossed
// the cutoff and whose guard timestamp is still unset. Selection reads only
// persisted fields, so it is stable across restarts.
func (db *PostgresDB) ListCampaignCandidates(ctx context.Context, source, guard models.TimestampField, cutoff time.Time) ([]models.UserFunnel, error) {
	if !timestampColumns[source] || !timestampColumns[guard] {
		return nil, fmt.Errorf("unknown timestamp field %q/%q", source, guard)
	}
	query := fmt.Sprintf(`
        SELECT `+userColumns+`
        FROM users
        WHERE state = $1 AND %s IS NULL AND %s IS NOT NULL AND %s <= $2
    `, guard, source, source)

	rows, err := db.pool.Query(ctx, query, models.StateIdle, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign candidates: %w", err)
	}
	defer rows.Close()

	var out []models.UserFunnel
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (db *PostgresDB) CountFinished(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE last_result IS NOT NULL`).Scan(&n)
	return n, err
}

func (db *PostgresDB) ListAllChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.pool.Query(ctx, `SELECT chat_id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Payment ledger
// ---------------------------------------------------------------------------

const paymentColumns = `payment_id, chat_id, product, amount_value, status,
	confirmation_url, receipt_contact, delivered, created_at, updated_at`

func (db *PostgresDB) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
        INSERT INTO payments (payment_id, chat_id, product, amount_value, status, confirmation_url, receipt_contact, delivered)
        VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
    `
	_, err := db.pool.Exec(ctx, query,
		p.PaymentID, p.ChatID, string(p.Product), p.Amount.StringFixed(2),
		string(p.Status), p.ConfirmationURL, p.ReceiptContact,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`

	var p models.Payment
	var product, status, amount string
	var confURL, contact *string

	err := db.pool.QueryRow(ctx, query, paymentID).Scan(
		&p.PaymentID, &p.ChatID, &product, &amount, &status,
		&confURL, &contact, &p.Delivered, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	p.Product = models.Product(product)
	p.Status = models.PaymentStatus(status)
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	if confURL != nil {
		p.ConfirmationURL = *confURL
	}
	if contact != nil {
		p.ReceiptContact = *contact
	}
	return &p, nil
}

// UpdatePaymentStatus refreshes the gateway status of an unresolved
// payment. Delivered rows are final: their status stays SUCCEEDED no
// matter what a late event reports.
func (db *PostgresDB) UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	query := `UPDATE payments SET status = $2, updated_at = NOW() WHERE payment_id = $1 AND delivered = FALSE`
	_, err := db.pool.Exec(ctx, query, paymentID, string(status))
	return err
}

func (db *PostgresDB) UpdatePaymentReceiptContact(ctx context.Context, paymentID, contact string) error {
	query := `UPDATE payments SET receipt_contact = $2, updated_at = NOW() WHERE payment_id = $1`
	_, err := db.pool.Exec(ctx, query, paymentID, contact)
	return err
}

// ClaimDelivery atomically flips delivered false -> true for a succeeded
// payment. The single conditional UPDATE is the exactly-once gate: out of
// any number of concurrent callers, exactly one observes RowsAffected == 1.
func (db *PostgresDB) ClaimDelivery(ctx context.Context, paymentID string) (bool, error) {
	query := `
        UPDATE payments
        SET delivered = TRUE, updated_at = NOW()
        WHERE payment_id = $1 AND status = $2 AND delivered = FALSE
    `
	tag, err := db.pool.Exec(ctx, query, paymentID, string(models.PaymentSucceeded))
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *PostgresDB) ExistsPayment(ctx context.Context, chatID int64, product models.Product) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE chat_id = $1 AND product = $2)`,
		chatID, string(product),
	).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) ExistsSucceeded(ctx context.Context, chatID int64, product models.Product) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE chat_id = $1 AND product = $2 AND status = $3)`,
		chatID, string(product), string(models.PaymentSucceeded),
	).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) CountSucceeded(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE status = $1`, string(models.PaymentSucceeded),
	).Scan(&n)
	return n, err
}

// ListPendingPaymentIDs returns ids of payments still awaiting resolution,
// used to resume polling after a restart.
func (db *PostgresDB) ListPendingPaymentIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT payment_id FROM payments WHERE status = $1 AND delivered = FALSE`,
		string(models.PaymentPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Content cache (media file ids)
// ---------------------------------------------------------------------------

func (db *PostgresDB) GetFileID(ctx context.Context, key string) (string, error) {
	var fileID string
	err := db.pool.QueryRow(ctx,
		`SELECT telegram_file_id FROM media_cache WHERE media_key = $1`, key,
	).Scan(&fileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cached file id: %w", err)
	}
	return fileID, nil
}

func (db *PostgresDB) PutFileID(ctx context.Context, key, fileID string) error {
	query := `
        INSERT INTO media_cache (media_key, telegram_file_id, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (media_key) DO UPDATE
        SET telegram_file_id = EXCLUDED.telegram_file_id, updated_at = EXCLUDED.updated_at
    `
	_, err := db.pool.Exec(ctx, query, key, fileID)
	return err
}
