package digest

import (
	"strconv"
	"strings"

	"tg-channel-digest/internal/domain"
)

// FormatDigest собирает текст дайджеста: до maxLines строк вида
// "• <канал>: <суммаризация>". Строки с пустым текстом пропускаются.
// Пустой результат означает, что отправлять нечего.
func FormatDigest(items []domain.SummaryItem, maxLines int) (string, []domain.DigestItem) {
	if maxLines <= 0 {
		maxLines = 10
	}

	var (
		b     strings.Builder
		used  []domain.DigestItem
		lines int
	)
	for _, item := range items {
		if lines >= maxLines {
			break
		}
		text := strings.TrimSpace(item.SummaryText)
		if text == "" {
			continue
		}
		// Многострочные суммаризации сводятся в одну строку дайджеста.
		text = strings.Join(strings.Fields(text), " ")

		title := strings.TrimSpace(item.ChannelTitle)
		if title == "" {
			title = strconv.FormatInt(item.ChannelID, 10)
		}

		if lines > 0 {
			b.WriteString("\n")
		}
		b.WriteString("• ")
		b.WriteString(title)
		b.WriteString(": ")
		b.WriteString(text)

		used = append(used, domain.DigestItem{PostID: item.PostID, OrderIndex: lines})
		lines++
	}
	return b.String(), used
}
