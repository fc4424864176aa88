// Package validation содержит функции нормализации и проверки входных данных.
package validation

import (
	"regexp"
	"strings"
)

var (
	plateRe      = regexp.MustCompile(`^[A-Z]{1,2} ?[0-9]{1,4} ?[A-Z]{1,3}$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizePlate приводит номерной знак к каноническому виду: без пробелов по краям,
// в верхнем регистре и с одиночными пробелами внутри. Используется во всех точках входа.
func NormalizePlate(raw string) string {
	s := strings.TrimSpace(raw)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.ToUpper(s)
}

// IsValidPlate проверяет номер по формату: 1–2 буквы, 1–4 цифры, 1–3 буквы.
func IsValidPlate(plate string) bool {
	return plateRe.MatchString(NormalizePlate(plate))
}
