package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"quiz-bot/internal/funnel"
	"quiz-bot/pkg/logger"
)

// TelegramBot binds the funnel engine to the Telegram Bot API. It is both
// the inbound update loop and the funnel.Transport implementation.
//
// Updates are processed strictly sequentially, in arrival order: quiz
// answers, purchase intents and admin commands never race each other. Only
// the campaign sweep and payment watchers run concurrently with this loop,
// and they share state with it through the store alone.
type TelegramBot struct {
	api    *tgbotapi.BotAPI
	engine *funnel.Engine
	logger *logger.Logger
}

func NewTelegramBot(token string, logger *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Infow("authorized on Telegram", "username", api.Self.UserName)

	return &TelegramBot{api: api, logger: logger}, nil
}

// AttachEngine wires the funnel engine. The engine needs the bot as its
// transport, so it is constructed after the bot and attached here.
func (t *TelegramBot) AttachEngine(e *funnel.Engine) {
	t.engine = e
}

func (t *TelegramBot) Username() string {
	return t.api.Self.UserName
}

// Start removes any stale webhook and begins long-polling for updates.
func (t *TelegramBot) Start(ctx context.Context) error {
	_, err := t.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true})
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60

	updates := t.api.GetUpdatesChan(updateConfig)

	t.logger.Info("started receiving Telegram updates")

	go t.handleUpdates(ctx, updates)
	return nil
}

func (t *TelegramBot) handleUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		t.processUpdate(ctx, update)
	}
}

func (t *TelegramBot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("recovered from panic while processing update", "error", r)
		}
	}()

	switch {
	case update.Message != nil:
		t.processMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		t.processCallback(ctx, update.CallbackQuery)
	}
}

func chatFromUser(chatID int64, from *tgbotapi.User) funnel.Chat {
	chat := funnel.Chat{ChatID: chatID}
	if from != nil {
		chat.UserID = from.ID
		chat.Username = from.UserName
		chat.FirstName = from.FirstName
		chat.LastName = from.LastName
	}
	return chat
}

func (t *TelegramBot) processMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chat := chatFromUser(msg.Chat.ID, msg.From)

	var err error
	switch {
	case msg.IsCommand() && msg.Command() == "start":
		err = t.engine.HandleStart(ctx, chat, msg.CommandArguments())
	case msg.IsCommand() && msg.Command() == "admin":
		err = t.engine.HandleAdminCommand(ctx, chat)
	case msg.IsCommand():
		_, err = t.SendText(ctx, chat.ChatID, "Неизвестная команда. Используйте /start для начала работы.")
	case msg.Text != "":
		err = t.engine.HandleText(ctx, chat, msg.Text)
	}

	if err != nil {
		t.logger.Errorw("failed to handle message", "chat_id", chat.ChatID, "error", err)
	}
}

func (t *TelegramBot) processCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil {
		return
	}
	chat := chatFromUser(cq.Message.Chat.ID, cq.From)
	ref := funnel.MessageRef{ChatID: cq.Message.Chat.ID, MessageID: cq.Message.MessageID}

	ack, err := t.engine.HandleCallback(ctx, chat, ref, cq.Data)
	if err != nil {
		t.logger.Errorw("failed to handle callback", "chat_id", chat.ChatID, "data", cq.Data, "error", err)
	}

	if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, ack)); err != nil {
		t.logger.Warnw("failed to answer callback", "error", err)
	}
}

// Stop gracefully shuts down the update loop.
func (t *TelegramBot) Stop(ctx context.Context) error {
	t.api.StopReceivingUpdates()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

// ---------------------------------------------------------------------------
// funnel.Transport implementation
// ---------------------------------------------------------------------------

func keyboard(buttons []funnel.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		var btn tgbotapi.InlineKeyboardButton
		if b.URL != "" {
			btn = tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)
		} else {
			btn = tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btn))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func (t *TelegramBot) SendText(ctx context.Context, chatID int64, text string, buttons ...funnel.Button) (funnel.MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if kb := keyboard(buttons); kb != nil {
		msg.ReplyMarkup = kb
	}

	sent, err := t.api.Send(msg)
	if err != nil {
		return funnel.MessageRef{}, fmt.Errorf("failed to send message: %w", err)
	}
	return funnel.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *TelegramBot) EditText(ctx context.Context, ref funnel.MessageRef, text string, buttons ...funnel.Button) error {
	var edit tgbotapi.EditMessageTextConfig
	if kb := keyboard(buttons); kb != nil {
		edit = tgbotapi.NewEditMessageTextAndMarkup(ref.ChatID, ref.MessageID, text, *kb)
	} else {
		edit = tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	}
	edit.ParseMode = tgbotapi.ModeHTML

	if _, err := t.api.Send(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

func requestFile(doc funnel.Document) tgbotapi.RequestFileData {
	switch {
	case doc.FileID != "":
		return tgbotapi.FileID(doc.FileID)
	case doc.Data != nil:
		return tgbotapi.FileBytes{Name: doc.Name, Bytes: doc.Data}
	default:
		return tgbotapi.FilePath(doc.Path)
	}
}

func (t *TelegramBot) SendDocument(ctx context.Context, chatID int64, doc funnel.Document) (string, error) {
	cfg := tgbotapi.NewDocument(chatID, requestFile(doc))
	cfg.Caption = doc.Caption
	cfg.ParseMode = tgbotapi.ModeHTML

	sent, err := t.api.Send(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to send document: %w", err)
	}
	if sent.Document != nil {
		return sent.Document.FileID, nil
	}
	return "", nil
}

func (t *TelegramBot) SendAudioAlbum(ctx context.Context, chatID int64, items []funnel.Document) ([]string, error) {
	media := make([]interface{}, 0, len(items))
	for _, item := range items {
		audio := tgbotapi.NewInputMediaAudio(requestFile(item))
		audio.Caption = item.Caption
		media = append(media, audio)
	}

	group := tgbotapi.NewMediaGroup(chatID, media)
	sent, err := t.api.SendMediaGroup(group)
	if err != nil {
		return nil, fmt.Errorf("failed to send media group: %w", err)
	}

	fileIDs := make([]string, len(items))
	for i, m := range sent {
		if i < len(fileIDs) && m.Audio != nil {
			fileIDs[i] = m.Audio.FileID
		}
	}
	return fileIDs, nil
}
