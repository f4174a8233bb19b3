package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitHead(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		limit    int
		wantHead string
		wantRest string
	}{
		{"fits", "hello", 10, "hello", ""},
		{"exact fit", "hello", 5, "hello", ""},
		{"ascii split", "hello world", 5, "hello", " world"},
		{"multibyte on boundary", "一二三四", 6, "一二", "三四"},
		{"multibyte mid sequence", "一二三四", 7, "一二", "三四"},
		{"multibyte mid sequence low", "一二三四", 5, "一", "二三四"},
		{"mixed", "ab一二", 3, "ab", "一二"},
		{"zero limit", "abc", 0, "", "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			head, rest := SplitHead(tc.text, tc.limit)
			if head != tc.wantHead || rest != tc.wantRest {
				t.Errorf("SplitHead(%q, %d) = %q, %q; want %q, %q",
					tc.text, tc.limit, head, rest, tc.wantHead, tc.wantRest)
			}
			if head+rest != tc.text {
				t.Errorf("head+rest = %q, want original %q", head+rest, tc.text)
			}
			if !utf8.ValidString(head) || !utf8.ValidString(rest) {
				t.Error("split produced an invalid UTF-8 piece")
			}
		})
	}
}

func TestChunkForDelivery(t *testing.T) {
	const limit = 20
	const notice = "…more"

	out, rest := ChunkForDelivery("short", limit, notice)
	if out != "short" || rest != "" {
		t.Errorf("within limit: got %q, %q", out, rest)
	}

	body := strings.Repeat("一", 30) // 90 bytes
	out, rest = ChunkForDelivery(body, limit, notice)
	if !strings.HasSuffix(out, notice) {
		t.Errorf("delivered chunk %q lacks the continuation notice", out)
	}
	if len(out) > limit {
		t.Errorf("delivered chunk is %d bytes, limit %d", len(out), limit)
	}
	if strings.TrimSuffix(out, notice)+rest != body {
		t.Error("chunk head plus remainder does not reconstitute the body")
	}
}

func TestChunkForDeliveryReconstitution(t *testing.T) {
	const limit = 32
	const notice = "\n…"
	body := strings.Repeat("汉字混合text▲", 40)

	var rebuilt strings.Builder
	rest := body
	for i := 0; i < 1000; i++ {
		out, remainder := ChunkForDelivery(rest, limit, notice)
		if len(out) > limit {
			t.Fatalf("chunk %d is %d bytes, limit %d", i, len(out), limit)
		}
		if !utf8.ValidString(out) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if remainder == "" {
			rebuilt.WriteString(out)
			break
		}
		rebuilt.WriteString(strings.TrimSuffix(out, notice))
		rest = remainder
	}
	if rebuilt.String() != body {
		t.Error("concatenated chunks do not reconstitute the original body")
	}
}
