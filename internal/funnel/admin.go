package funnel

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"quiz-bot/internal/models"
)

var adminMenuButtons = []Button{
	{Text: "📊 Статистика", Data: "admin:stats"},
	{Text: "📨 Рассылка", Data: "admin:broadcast"},
	{Text: "📤 Экспорт CSV", Data: "admin:export"},
}

func (e *Engine) sendAdminMenu(ctx context.Context, chatID int64) error {
	_, err := e.transport.SendText(ctx, chatID, "<b>Админ-панель</b>", adminMenuButtons...)
	return err
}

// handleAdminCallback routes admin:* payloads. Non-admin presses are
// denied silently: logged, empty acknowledgement, no state change.
func (e *Engine) handleAdminCallback(ctx context.Context, chat Chat, ref MessageRef, data string) (string, error) {
	if !e.cfg.IsAdmin(chat.UserID) {
		e.log.Warnw("admin callback denied", "user_id", chat.UserID, "data", data)
		return "", nil
	}

	switch data {
	case "admin:menu":
		if err := e.users.SetState(ctx, chat.ChatID, models.StateAdminMenu); err != nil {
			return "", err
		}
		if err := e.transport.EditText(ctx, ref, "<b>Админ-панель</b>", adminMenuButtons...); err != nil {
			if err := e.sendAdminMenu(ctx, chat.ChatID); err != nil {
				return "", err
			}
		}
		return "Меню", nil

	case "admin:stats":
		if err := e.sendAdminStats(ctx, chat.ChatID); err != nil {
			return "", err
		}
		return "Ок", nil

	case "admin:broadcast":
		if err := e.users.SetState(ctx, chat.ChatID, models.StateAdminBroadcastWait); err != nil {
			return "", err
		}
		_, err := e.transport.SendText(ctx, chat.ChatID,
			"📨 <b>Рассылка</b>\n\nОтправьте следующим сообщением текст, который нужно разослать всем пользователям.",
			Button{Text: "⬅️ Назад", Data: "admin:menu"})
		if err != nil {
			return "", err
		}
		return "Жду текст рассылки", nil

	case "admin:export":
		if err := e.sendUsersCSV(ctx, chat.ChatID); err != nil {
			return "", err
		}
		return "Экспорт", nil
	}

	return "Ок", nil
}

func (e *Engine) sendAdminStats(ctx context.Context, chatID int64) error {
	users, err := e.users.CountUsers(ctx)
	if err != nil {
		return err
	}
	finished, err := e.users.CountFinished(ctx)
	if err != nil {
		return err
	}
	var paid int64
	if e.ledger != nil {
		paid, err = e.ledger.CountSucceeded(ctx)
		if err != nil {
			return err
		}
	}

	text := fmt.Sprintf(
		"📊 <b>Статистика</b>\n\n👥 Пользователей: <b>%d</b>\n✅ Завершили тест: <b>%d</b>\n💳 Успешных оплат: <b>%d</b>",
		users, finished, paid,
	)
	_, err = e.transport.SendText(ctx, chatID, text, Button{Text: "⬅️ Назад", Data: "admin:menu"})
	return err
}

// doBroadcast sends the text to every known chat; per-chat failures are
// tallied, never fatal.
func (e *Engine) doBroadcast(ctx context.Context, adminChatID int64, text string) error {
	ids, err := e.users.ListAllChatIDs(ctx)
	if err != nil {
		return err
	}

	ok, fail := 0, 0
	for _, chatID := range ids {
		if _, err := e.transport.SendText(ctx, chatID, text); err != nil {
			fail++
			continue
		}
		ok++
	}

	_, err = e.transport.SendText(ctx, adminChatID,
		fmt.Sprintf("📨 Рассылка завершена. Успешно: %d, ошибок: %d", ok, fail))
	return err
}

func (e *Engine) sendUsersCSV(ctx context.Context, chatID int64) error {
	ids, err := e.users.ListAllChatIDs(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"chat_id"})
	for _, id := range ids {
		_ = w.Write([]string{strconv.FormatInt(id, 10)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	_, err = e.transport.SendDocument(ctx, chatID, Document{
		Name:    "users.csv",
		Caption: "📤 users.csv",
		Data:    buf.Bytes(),
	})
	return err
}
