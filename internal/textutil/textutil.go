package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxMessageLen ограничивает длину канонического текста поста в рунах.
const MaxMessageLen = 10000

// TrimSuffix добавляется к обрезанному тексту.
const TrimSuffix = "\n\n…"

// Normalize приводит сырой текст сообщения к каноническому виду:
// убирает zero-width space и BOM, обрезает пробелы по краям и ограничивает
// длину. Пустой результат — штатный исход «нечего сохранять».
func Normalize(raw string) string {
	text := strings.NewReplacer("\u200b", "", "\ufeff", "").Replace(raw)
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= MaxMessageLen {
		return text
	}
	cut := MaxMessageLen - len([]rune(TrimSuffix))
	return string(runes[:cut]) + TrimSuffix
}

// HashText возвращает sha256-хэш текста в hex. Используется как ключ
// дедупликации: одинаковый канонический текст даёт одинаковый хэш.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ClipRunes ограничивает текст limit рунами без суффикса.
func ClipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
