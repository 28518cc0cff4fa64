// Package validation содержит проверки пользовательского ввода.
package validation

import "strings"

// joinCodeLen — длина кода приглашения в лобби.
const joinCodeLen = 8

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IsValidJoinCode проверяет формат кода приглашения: ровно восемь символов
// из алфавита без визуально неоднозначных знаков (0/O, 1/I).
func IsValidJoinCode(code string) bool {
	if len(code) != joinCodeLen {
		return false
	}

	for _, r := range code {
		if !strings.ContainsRune(joinCodeAlphabet, r) {
			return false
		}
	}

	return true
}
