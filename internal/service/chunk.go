package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	listItem       = regexp.MustCompile(`^\s*(?:[-*•]|\d{1,3}[.)])\s+`)
)

// SplitBlocks splits text into blocks of at most maxLen runes. It breaks on
// paragraphs first, then sentences, then whitespace, and only breaks at a
// raw rune offset when a single word is longer than maxLen. A list that fits
// in one block is never split.
func SplitBlocks(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 || runeLen(text) <= maxLen {
		return []string{text}
	}

	var units []string
	for _, u := range mergeLists(paragraphs(text), maxLen) {
		if runeLen(u) <= maxLen {
			units = append(units, u)
			continue
		}
		units = append(units, splitLong(u, maxLen)...)
	}
	return pack(units, "\n\n", maxLen)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func paragraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isList(p string) bool {
	for _, line := range strings.Split(p, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !listItem.MatchString(line) {
			return false
		}
	}
	return true
}

// mergeLists joins consecutive list paragraphs, so items separated by blank
// lines stay together, and attaches a list to the paragraph that introduces
// it when both fit one block.
func mergeLists(paras []string, maxLen int) []string {
	var lists []string
	for _, p := range paras {
		if n := len(lists); n > 0 && isList(p) && isList(lists[n-1]) {
			lists[n-1] += "\n\n" + p
			continue
		}
		lists = append(lists, p)
	}

	var out []string
	for _, p := range lists {
		if n := len(out); n > 0 && isList(p) && strings.HasSuffix(out[n-1], ":") {
			if joined := out[n-1] + "\n\n" + p; runeLen(joined) <= maxLen {
				out[n-1] = joined
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// splitLong breaks an oversized unit into pieces that each fit maxLen.
func splitLong(unit string, maxLen int) []string {
	var parts []string
	sep := " "
	if strings.Contains(unit, "\n") {
		// Lists and multi-line paragraphs break between lines first.
		for _, line := range strings.Split(unit, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				parts = append(parts, line)
			}
		}
		sep = "\n"
	} else {
		parts = sentences(unit)
	}

	var fitted []string
	for _, p := range parts {
		if runeLen(p) <= maxLen {
			fitted = append(fitted, p)
			continue
		}
		if sep == "\n" {
			fitted = append(fitted, splitLong(p, maxLen)...)
			continue
		}
		fitted = append(fitted, hardSplit(p, maxLen)...)
	}
	return pack(fitted, sep, maxLen)
}

// sentences splits after ., !, ? or … when followed by whitespace.
func sentences(p string) []string {
	var out []string
	runes := []rune(p)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '…':
		default:
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// hardSplit cuts at the last whitespace within maxLen, or at maxLen when the
// window has none.
func hardSplit(s string, maxLen int) []string {
	var out []string
	runes := []rune(strings.TrimSpace(s))
	for len(runes) > maxLen {
		cut := -1
		for i := maxLen; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if cut <= 0 {
			out = append(out, string(runes[:maxLen]))
			runes = []rune(strings.TrimLeftFunc(string(runes[maxLen:]), unicode.IsSpace))
			continue
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// pack greedily joins pieces with sep while the result fits maxLen.
func pack(pieces []string, sep string, maxLen int) []string {
	var blocks []string
	var cur strings.Builder
	curLen := 0
	sepLen := runeLen(sep)

	for _, p := range pieces {
		pl := runeLen(p)
		if curLen > 0 && curLen+sepLen+pl > maxLen {
			blocks = append(blocks, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString(sep)
			curLen += sepLen
		}
		cur.WriteString(p)
		curLen += pl
	}
	if curLen > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}
