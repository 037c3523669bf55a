package llm

import (
	"strings"
)

// StripFence removes a surrounding ``` fence (with optional language tag) from text.
func StripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// FirstJSONObject returns the first balanced top-level {...} object in text,
// ignoring braces inside JSON strings. ok is false when none is found.
func FirstJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if start < 0 {
			if ch == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// FencedBlock is one ``` block from free text. Lang is the lowercased first
// word of the info string; Info is the info string as written.
type FencedBlock struct {
	Lang string
	Info string
	Body string
}

// FencedBlocks returns every closed ``` block in text, in order.
func FencedBlocks(text string) []FencedBlock {
	var blocks []FencedBlock
	var cur *FencedBlock
	var body []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if cur != nil {
				body = append(body, line)
			}
			continue
		}
		if cur == nil {
			info := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			cur = &FencedBlock{Info: info}
			if fields := strings.Fields(info); len(fields) > 0 {
				cur.Lang = strings.ToLower(fields[0])
			}
			body = nil
			continue
		}
		cur.Body = strings.Join(body, "\n")
		blocks = append(blocks, *cur)
		cur = nil
	}
	return blocks
}
