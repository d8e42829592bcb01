package funnel

import "quiz-bot/internal/models"

const welcomeText = `Привет! 👋

Этот тест за 2 минуты покажет, на какой стадии ваши отношения —
и почему он ведет себя именно так.

10 вопросов, честные ответы, никакой магии.`

const notRunningText = "Напиши /start чтобы начать тест 🙂"

const askContactText = `Для чека об оплате нужен email или телефон.

Отправьте одним сообщением, например:
test@example.com или +7 900 123-45-67`

const badContactText = `Не похоже на email или телефон 🤔

Email — вида name@domain.ru.
Телефон — 10–15 цифр, можно с +7 и скобками.`

const paymentsDisabledText = "⚠️ Оплата сейчас недоступна. Попробуйте позже."

const paymentNotFoundText = "⚠️ Платеж не найден в базе. Напишите администратору."

const tryAgainText = "Извините, произошла ошибка. Попробуйте еще раз чуть позже."

const audioDeliveredText = "Оплата прошла успешно ✅\n\nВот ваша настройка системы понимания 👇"

const systemDeliveredText = `Все, пути назад нет, теперь ты с нами 😎

Файлы слишком тяжелые для переписки, поэтому материалы курса ждут
по твоей персональной ссылке. Скачивай и погнали внедрять!`

const upsellText = `Ты прошла тест и уже знаешь свой результат.

Следующий шаг — аудио-гид «Мужской переводчик»: 5 коротких аудио,
после которых его молчание перестанет быть загадкой.`

const systemOfferText = `✅ Теперь ты его понимаешь.

Давай сделаем следующий шаг — собрать отношения так, чтобы скандалов
не было вообще.

Полная пошаговая система «Союзники»:
• 6 уроков — по делу и без воды
• Документы для пары (шаблоны и примеры)
• Таблица, которая удерживает результат

Готова забрать?`

const followupAudioText = "Ты скачала гайд, но так и не узнала главную причину его молчания. Скидка на аудио сгорает сегодня. Цена 490₽ — как чашка кофе"

const followupSystemText = "Как тебе аудио? Узнала мужа?\nЧтобы закрепить результат и получить Матрицу Ответственности + Контракт Безопасности, заходи в полный курс"

var resultTexts = map[models.QuizResult]string{
	models.ResultRisk: `🥶 <b>Холодная война</b>

Вы живете рядом, но не вместе. Каждый разговор — минное поле.
Хорошая новость: это стадия, а не приговор. В файле — первые шаги к разморозке.`,
	models.ResultNeighbors: `🏠 <b>Соседи</b>

Быт налажен, скандалов мало, близости тоже. Вы хорошая команда
по хозяйству — осталось снова стать парой. В файле — как это сделать.`,
	models.ResultAllies: `💪 <b>Союзники</b>

Редкий результат: вы понимаете друг друга. В файле — секреты пар,
которые удерживают это состояние годами.`,
}

// ResultText returns the message body for an outcome category.
func ResultText(r models.QuizResult) string {
	return resultTexts[r]
}

var productTitles = map[models.Product]string{
	models.ProductAudio:  "Аудио-гид «Мужской переводчик»",
	models.ProductSystem: "Система «Союзники»",
}

// ProductTitle returns the human-readable product name used in invoices
// and gateway descriptions.
func ProductTitle(p models.Product) string {
	return productTitles[p]
}
