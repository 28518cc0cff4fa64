// Package fair реализует схему commitment-reveal для проверяемо честного
// выбора победителя: оператор публикует хеш-обязательство до начала продаж,
// а после розыгрыша раскрывает сид, по которому любой внешний аудитор
// может заново вычислить позицию победителя.
package fair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Доменные префиксы разделяют хеш обязательства и хеш выбора победителя:
// знание одного не даёт ничего о другом.
const (
	commitPrefix = "COMMIT:"
	winnerPrefix = "WINNER:"
)

// SeedLen — длина сида в hex-символах (32 байта).
const SeedLen = 64

// ErrNoEntries возвращается при попытке выбрать победителя из пустого списка.
var ErrNoEntries = errors.New("no entries to pick winner from")

// GenerateSeed генерирует 32 криптостойких случайных байта и возвращает их
// в виде 64 hex-символов в нижнем регистре.
func GenerateSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Commit вычисляет хеш-обязательство для сида. Публикация хеша до начала
// продаж фиксирует сид, не раскрывая его.
func Commit(seed string) string {
	sum := sha256.Sum256([]byte(commitPrefix + seed))
	return hex.EncodeToString(sum[:])
}

// Verify заново вычисляет обязательство и сравнивает с опубликованным.
func Verify(seed, commitment string) bool {
	return Commit(seed) == strings.ToLower(commitment)
}

// WinningIndex детерминированно выводит индекс победителя в [0, totalEntries)
// из раскрытого сида: первые 8 байт второго доменного хеша интерпретируются
// как беззнаковое целое и берутся по модулю totalEntries.
func WinningIndex(seed string, totalEntries int64) (int64, error) {
	if totalEntries < 1 {
		return 0, ErrNoEntries
	}
	sum := sha256.Sum256([]byte(winnerPrefix + seed))
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v % uint64(totalEntries)), nil
}

// SealTicket вычисляет ключевую печать билета: HMAC-SHA256 над всеми
// неизменяемыми полями билета с серверным секретом. Секрет передаётся
// явно и никогда не покидает сервер, поэтому клиент не может подделать
// или незаметно изменить записанные атрибуты билета.
func SealTicket(secret []byte, ticketID, drawID, userID, position int64, purchasedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fields := []string{
		strconv.FormatInt(ticketID, 10),
		strconv.FormatInt(drawID, 10),
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(position, 10),
		strconv.FormatInt(purchasedAt.UnixNano(), 10),
	}
	mac.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTicketSeal заново вычисляет печать по сохранённым полям билета
// и сравнивает её с записанной за константное время.
func VerifyTicketSeal(secret []byte, sealHex string, ticketID, drawID, userID, position int64, purchasedAt time.Time) bool {
	expected := SealTicket(secret, ticketID, drawID, userID, position, purchasedAt)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sealHex)))
}
