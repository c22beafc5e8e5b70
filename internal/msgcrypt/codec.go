// Package msgcrypt encrypts chat message bodies before they are handed to the
// persistence service.
//
// Tokens have the form hex(iv) + ":" + hex(ciphertext) using AES-256-CBC with
// PKCS#7 padding and a random 16-byte IV per call. No MAC is attached, so the
// token is confidential but not tamper-evident.
package msgcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

const separator = ":"

var (
	// ErrConfiguration is the parent of every key related failure.
	ErrConfiguration = errors.New("encryption is not configured")
	ErrKeyMissing    = fmt.Errorf("%w: ENCRYPTION_KEY is not set", ErrConfiguration)
	ErrKeyLength     = fmt.Errorf("%w: ENCRYPTION_KEY must be exactly %d bytes", ErrConfiguration, KeySize)

	ErrMalformedToken = errors.New("malformed encrypted token")
)

// Codec encrypts and decrypts message bodies under a fixed shared key.
// A Codec is safe for concurrent use.
type Codec struct {
	key []byte
}

// New returns a Codec for key. The key is not checked here; call Validate at
// startup, and every Encrypt/Decrypt checks it again.
func New(key string) *Codec {
	return &Codec{key: []byte(key)}
}

// Validate reports whether the key can be used for AES-256.
func (c *Codec) Validate() error {
	switch {
	case len(c.key) == 0:
		return ErrKeyMissing
	case len(c.key) != KeySize:
		return ErrKeyLength
	}
	return nil
}

// Encrypt returns a fresh token for plaintext. Two calls with the same input
// return different tokens.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Codec) Decrypt(token string) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}

	ivHex, ctHex, ok := strings.Cut(token, separator)
	if !ok {
		return "", fmt.Errorf("%w: missing %q separator", ErrMalformedToken, separator)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrMalformedToken, err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrMalformedToken, aes.BlockSize, len(iv))
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedToken, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrMalformedToken)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c *Codec) block() (cipher.Block, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return block, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
		}
	}
	return b[:len(b)-n], nil
}
