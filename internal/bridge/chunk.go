package bridge

import "unicode/utf8"

// SplitHead cuts text at the largest rune boundary whose byte length does not
// exceed limit. It never cuts inside a UTF-8 sequence, so head+rest always
// reconstitutes text exactly. Text already within the limit comes back whole
// with an empty rest.
func SplitHead(text string, limit int) (head, rest string) {
	if limit <= 0 {
		return "", text
	}
	if len(text) <= limit {
		return text, ""
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], text[cut:]
}

// ChunkForDelivery applies the passive-reply size policy to a text body:
// within limit bytes the body is returned whole; otherwise the head is cut so
// that head+notice fits in limit, the notice is appended to the delivered
// part, and the remainder is returned for the caller to push back.
func ChunkForDelivery(body string, limit int, notice string) (out, rest string) {
	if len(body) <= limit {
		return body, ""
	}
	head, rest := SplitHead(body, limit-len(notice))
	return head + notice, rest
}
