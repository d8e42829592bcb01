package funnel

import "quiz-bot/internal/models"

// NumQuestions is the fixed quiz length.
const NumQuestions = 10

// Question is one quiz step; every question offers the same three options
// (callback tokens A, B, V rendered as А, Б, В).
type Question struct {
	Text string
}

var questions = [NumQuestions]Question{
	{Text: "1/10. Он замолчал после разговора. Что это обычно значит?\n\nА — Он обиделся и ждет извинений\nБ — Ему нужно время подумать\nВ — Я знаю его сигналы и не трогаю его"},
	{Text: "2/10. Вы просите его о помощи по дому. Как это выглядит?\n\nА — Приходится повторять и напоминать\nБ — Делает, но по-своему и в свой срок\nВ — У нас есть договоренности, кто что делает"},
	{Text: "3/10. Он пришел с работы уставший и молчит. Ваши действия?\n\nА — Спрашиваю, что случилось, пока не ответит\nБ — Жду, когда сам заговорит\nВ — Даю ему час тишины, потом он сам все рассказывает"},
	{Text: "4/10. Ссора. Кто первым идет на контакт?\n\nА — Всегда я, иначе молчание на неделю\nБ — По-разному, как получится\nВ — У нас есть правило: не ложимся спать в ссоре"},
	{Text: "5/10. Он принял решение, не посоветовавшись. Ваша реакция?\n\nА — Скандал, он обязан был спросить\nБ — Обида, но молча\nВ — Обсуждаем, какие решения совместные, а какие — его"},
	{Text: "6/10. Как часто вы говорите о чувствах, а не о быте?\n\nА — Практически никогда\nБ — Иногда, по праздникам\nВ — Регулярно, это наша привычка"},
	{Text: "7/10. Он сказал «все нормально», но вы видите, что нет. Что дальше?\n\nА — Допытываюсь до правды\nБ — Делаю вид, что поверила\nВ — Говорю, что вижу, и оставляю дверь открытой"},
	{Text: "8/10. Деньги в семье — это...\n\nА — Постоянный источник споров\nБ — Тема, которую мы избегаем\nВ — Прозрачная система, о которой мы договорились"},
	{Text: "9/10. Его мать вмешивается в ваши дела. Кто решает вопрос?\n\nА — Я сама, он в стороне\nБ — Никто, терпим\nВ — Он, это его зона ответственности"},
	{Text: "10/10. Если честно: вы понимаете, почему он поступает так, а не иначе?\n\nА — Нет, он для меня загадка\nБ — Иногда догадываюсь\nВ — Да, я изучила его «инструкцию»"},
}

// QuestionText returns the text of question q (1-based).
func QuestionText(q int) string {
	return questions[q-1].Text
}

// OptionDelta maps a raw option token to its score delta. The mapping is
// total: unknown tokens contribute zero.
func OptionDelta(opt string) int {
	switch opt {
	case "A":
		return 0
	case "B":
		return 1
	case "V":
		return 2
	}
	return 0
}

// CalcResult maps a final score (0..20) to the outcome category. Pure
// function of the total score.
func CalcResult(score int) models.QuizResult {
	switch {
	case score <= 7:
		return models.ResultRisk
	case score <= 14:
		return models.ResultNeighbors
	default:
		return models.ResultAllies
	}
}
