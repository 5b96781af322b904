// Package extract pulls a code payload out of an LLM text response.
//
// Responses usually wrap code in a fenced block, sometimes preceded by prose
// and sometimes without any fence at all. Code returns the first fenced block
// when one exists and otherwise the whole trimmed text, and reports which of
// the two happened.
package extract

import (
	"strings"
)

// Payload is the code extracted from a response.
type Payload struct {
	Code string
	// Lang is the info string of the fence, lowercased. Empty when absent.
	Lang string
	// Fenced reports whether Code came from a fenced block.
	Fenced bool
}

// Code extracts the first fenced code block from text. Backtick and tilde
// fences of three or more characters are recognized, either at the start of
// a line or after prose on the same line ("Here it is: ```python"). An
// unterminated fence runs to the end of the text, and a closing fence glued
// to the last code line is cut off. Without a fence the whole trimmed text
// is returned with Fenced set to false.
func Code(text string) Payload {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	for i, line := range lines {
		marker, info, ok := openFence(line)
		if !ok {
			marker, info, ok = inlineFence(line)
		}
		if !ok {
			continue
		}

		var body []string
		for _, l := range lines[i+1:] {
			if closesFence(l, marker) {
				break
			}
			if code, ok := cutClosing(l, marker); ok {
				body = append(body, code)
				break
			}
			body = append(body, l)
		}

		return Payload{
			Code:   strings.TrimSpace(strings.Join(body, "\n")),
			Lang:   info,
			Fenced: true,
		}
	}

	return Payload{Code: strings.TrimSpace(text)}
}

// openFence reports whether line opens a fence and returns the fence marker
// and the language of the info string.
func openFence(line string) (marker, lang string, ok bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return "", "", false
	}

	ch := byte(0)
	switch {
	case strings.HasPrefix(trimmed, "```"):
		ch = '`'
	case strings.HasPrefix(trimmed, "~~~"):
		ch = '~'
	default:
		return "", "", false
	}

	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	info := strings.TrimSpace(trimmed[n:])
	// Backtick fences may not carry backticks in the info string.
	if ch == '`' && strings.ContainsRune(info, '`') {
		return "", "", false
	}
	if f := strings.Fields(info); len(f) > 0 {
		lang = strings.ToLower(f[0])
	}
	return trimmed[:n], lang, true
}

func closesFence(line, marker string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < len(marker) {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != marker[0] {
			return false
		}
	}
	return true
}

// inlineFence reports whether a fence opens at the end of a prose line. The
// rest of the line may hold at most a language tag; a second marker on the
// same line makes it an inline code span instead.
func inlineFence(line string) (marker, lang string, ok bool) {
	at := -1
	var ch byte
	for _, m := range []string{"```", "~~~"} {
		if i := strings.Index(line, m); i >= 0 && (at < 0 || i < at) {
			at, ch = i, m[0]
		}
	}
	if at < 0 {
		return "", "", false
	}

	n := at
	for n < len(line) && line[n] == ch {
		n++
	}
	rest := line[n:]
	if strings.IndexByte(rest, ch) >= 0 {
		return "", "", false
	}
	f := strings.Fields(rest)
	if len(f) > 1 {
		return "", "", false
	}
	if len(f) == 1 {
		lang = strings.ToLower(f[0])
	}
	return line[at:n], lang, true
}

// cutClosing strips a closing fence glued to the end of a code line.
func cutClosing(line, marker string) (string, bool) {
	trimmed := strings.TrimRight(line, " \t")
	n := len(trimmed)
	for n > 0 && trimmed[n-1] == marker[0] {
		n--
	}
	if len(trimmed)-n < len(marker) {
		return "", false
	}
	return trimmed[:n], true
}
