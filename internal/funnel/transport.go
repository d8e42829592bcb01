package funnel

import (
	"context"
	"time"

	"quiz-bot/internal/models"
)

// Chat identifies the inbound event's origin.
type Chat struct {
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// MessageRef points at a previously sent message, for in-place edits.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline-keyboard button; exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Document is binary content to send. FileID (a transport handle cached
// from a prior send) takes precedence over Path; Data is for content
// generated in memory.
type Document struct {
	Name    string
	Caption string
	FileID  string
	Path    string
	Data    []byte
}

// Transport is the chat-messaging binding. Assumed reliable
// request/response; delivery to the end user is best-effort.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, buttons ...Button) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, buttons ...Button) error
	SendDocument(ctx context.Context, chatID int64, doc Document) (fileID string, err error)
	SendAudioAlbum(ctx context.Context, chatID int64, items []Document) (fileIDs []string, err error)
}

// UserStore is the persisted funnel store. Every read is fresh; no caller
// holds mutable funnel fields across operations.
type UserStore interface {
	UpsertUser(ctx context.Context, chatID, userID int64, username, firstName, lastName string) (*models.UserFunnel, error)
	GetUser(ctx context.Context, chatID int64) (*models.UserFunnel, error)
	ResetForStart(ctx context.Context, chatID int64) error
	StartQuiz(ctx context.Context, chatID int64) error
	UpdateQuizProgress(ctx context.Context, chatID int64, nextIndex, score int) error
	FinishQuiz(ctx context.Context, chatID int64, result models.QuizResult, finalScore int, finishedAt time.Time) error
	SetState(ctx context.Context, chatID int64, state models.FunnelState) error
	SetReceiptContact(ctx context.Context, chatID int64, contact string) error
	SetPendingProduct(ctx context.Context, chatID int64, product *models.Product) error
	MarkTimestampOnce(ctx context.Context, chatID int64, field models.TimestampField, t time.Time) error
	ListCampaignCandidates(ctx context.Context, source, guard models.TimestampField, cutoff time.Time) ([]models.UserFunnel, error)
	CountUsers(ctx context.Context) (int64, error)
	CountFinished(ctx context.Context) (int64, error)
	ListAllChatIDs(ctx context.Context) ([]int64, error)
}

// MediaCache maps logical content keys ("doc:<name>", "audio:<name>") to
// transport file handles. Last write wins; no expiry.
type MediaCache interface {
	GetFileID(ctx context.Context, key string) (string, error)
	PutFileID(ctx context.Context, key, fileID string) error
}
