package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"sort"
)

// Signature computes the callback signature: the hex SHA-1 digest of the
// given parts joined in lexicographic order.
func Signature(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	h := sha1.New()
	for _, p := range sorted {
		io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidSignature checks the plain callback signature against token,
// timestamp, and nonce.
func ValidSignature(signature, token, timestamp, nonce string) bool {
	return signature == Signature(token, timestamp, nonce)
}

// ValidMsgSignature checks the encrypted-envelope signature, which covers the
// ciphertext as a fourth part.
func ValidMsgSignature(signature, token, timestamp, nonce, encrypted string) bool {
	return signature == Signature(token, timestamp, nonce, encrypted)
}
