package dispatch

import "strings"

// ChunkText splits text into pieces no longer than limit, preferring
// paragraph breaks, then line breaks, then word boundaries. A limit of
// zero returns the text unchanged.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := findCut(rest, limit)
		chunk := strings.TrimSpace(rest[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// findCut picks the best split position at or before limit.
func findCut(text string, limit int) int {
	window := text[:limit]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return idx + len(sep)
		}
	}
	// No boundary; hard cut avoiding a split rune.
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
