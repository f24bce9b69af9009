package store

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summarize produces a token-efficient summary of content at the given
// compression ratio in (0,1]. It is deterministic: the same content and
// ratio always produce the same summary, so summaries can be regenerated
// from stored inputs. The cut falls on a word boundary where possible.
func Summarize(content string, ratio float64) (string, error) {
	if ratio <= 0 || ratio > 1 {
		return "", fmt.Errorf("compression ratio %.3f outside (0,1]", ratio)
	}
	if ratio == 1 || content == "" {
		return content, nil
	}

	target := int(float64(len(content)) * ratio)
	if target < 1 {
		target = 1
	}
	if target >= len(content) {
		return content, nil
	}

	// The byte cut can land inside a multi-byte rune; back off to the last
	// complete rune so the summary stays valid UTF-8.
	cut := content[:target]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	if cut == "" {
		_, size := utf8.DecodeRuneInString(content)
		cut = content[:size]
	}
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n"), nil
}
