package wechat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors surfaced by the envelope codec.
var (
	ErrInvalidAESKey       = errors.New("encoding AES key must be 43 base64 characters")
	ErrInvalidCiphertext   = errors.New("ciphertext is not a whole number of AES blocks")
	ErrInvalidPlaintext    = errors.New("decrypted envelope is malformed")
	ErrAppIDMismatch       = errors.New("decrypted envelope belongs to another app")
	ErrCryptoNotConfigured = errors.New("message crypto not configured")
)

// cryptoPadBlock is the padding block size the platform uses; it differs from
// the AES block size.
const cryptoPadBlock = 32

// Crypto encrypts and decrypts safe-mode message envelopes. The plaintext
// layout is 16 random bytes, a 4-byte big-endian body length, the body, and
// the app id; AES-256-CBC with the first 16 key bytes as IV.
type Crypto struct {
	key   []byte
	appID string
}

// NewCrypto builds a codec from the account's 43-character EncodingAESKey.
func NewCrypto(encodingAESKey, appID string) (*Crypto, error) {
	if len(encodingAESKey) != 43 {
		return nil, ErrInvalidAESKey
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrInvalidAESKey
	}
	return &Crypto{key: key, appID: appID}, nil
}

// Decrypt unwraps a base64 ciphertext from an inbound envelope and returns
// the inner XML body after validating the embedded app id.
func (c *Crypto) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, ErrInvalidPlaintext
	}
	bodyLen := binary.BigEndian.Uint32(plain[16:20])
	if 20+int(bodyLen) > len(plain) {
		return nil, ErrInvalidPlaintext
	}
	body := plain[20 : 20+bodyLen]
	if string(plain[20+bodyLen:]) != c.appID {
		return nil, ErrAppIDMismatch
	}
	return body, nil
}

// Encrypt wraps an XML body into a base64 ciphertext for an outbound
// envelope.
func (c *Crypto) Encrypt(body []byte) (string, error) {
	buf := make([]byte, 16, 20+len(body)+len(c.appID)+cryptoPadBlock)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(body)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, body...)
	buf = append(buf, c.appID...)
	buf = pkcs7Pad(buf, cryptoPadBlock)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPlaintext
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > cryptoPadBlock || pad > len(data) {
		return nil, ErrInvalidPlaintext
	}
	return data[:len(data)-pad], nil
}
