// Package validation содержит проверки форматов идентификаторов,
// приходящих извне.
package validation

// IsValidClickID проверяет форму идентификатора клика из постбэка:
// непустая строка разумной длины из латинских букв, цифр и дефисов.
// Содержательная проверка (выдавался ли идентификатор) выполняется по базе.
func IsValidClickID(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '-' || r == '_':
		default:
			return false
		}
	}

	return true
}

// IsValidReferralCode проверяет форму реферального кода из URL или cookie.
func IsValidReferralCode(s string) bool {
	if len(s) < 4 || len(s) > 32 {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}

	return true
}
