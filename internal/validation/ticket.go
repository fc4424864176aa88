package validation

import "github.com/google/uuid"

// IsValidTicketID проверяет, что идентификатор имеет форму UUID 8-4-4-4-12.
// Другие допустимые для uuid.Parse записи (urn:, фигурные скобки) отклоняются.
func IsValidTicketID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
