package funnel

import (
	"regexp"
	"strings"

	"quiz-bot/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)
	phoneJunk    = regexp.MustCompile(`[\s\-()]`)
)

// ParseContact validates free text as an email or phone receipt contact.
// Phones are normalized: spaces, dashes and parentheses stripped, leading
// "+" removed. Returns nil when the input is neither.
func ParseContact(s string) *models.Contact {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	if emailPattern.MatchString(v) {
		return &models.Contact{Type: models.ContactEmail, Value: v}
	}

	phone := phoneJunk.ReplaceAllString(v, "")
	if phonePattern.MatchString(phone) {
		return &models.Contact{Type: models.ContactPhone, Value: strings.TrimPrefix(phone, "+")}
	}
	return nil
}
