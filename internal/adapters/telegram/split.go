package telegram

import "strings"

const defaultMessageLimit = 3900

// SplitMessage breaks the text into chunks of at most limit runes.
// It prefers to split on newline boundaries so formatted blocks stay
// intact, falls back to spaces, and hard-cuts only as a last resort.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n ")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			for i := end; i > start; i-- {
				if runes[i-1] == ' ' {
					split = i
					break
				}
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n ")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && (runes[start] == '\n' || runes[start] == ' ') {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}

	return parts
}
