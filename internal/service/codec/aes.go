package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// CipherKey is the AES key and IV exactly as the venue hands them out: plain
// strings whose UTF-8 bytes are used directly.
type CipherKey struct {
	Key string
	IV  string
}

func (k CipherKey) Empty() bool {
	return k.Key == "" || k.IV == ""
}

var errInvalidPadding = errors.New("invalid pkcs7 padding")

// DecryptPayload decodes base64 and decrypts AES-CBC with PKCS#7 padding.
func DecryptPayload(key CipherKey, payload string) (string, error) {
	block, iv, err := newBlock(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}

// EncryptPayload is the inverse of DecryptPayload.
func EncryptPayload(key CipherKey, plain string) (string, error) {
	block, iv, err := newBlock(key)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

func newBlock(key CipherKey) (cipher.Block, []byte, error) {
	if key.Empty() {
		return nil, nil, errors.New("aes key and iv are required")
	}

	block, err := aes.NewCipher([]byte(key.Key))
	if err != nil {
		return nil, nil, fmt.Errorf("create aes cipher: %w", err)
	}

	iv := []byte(key.IV)
	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("aes iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	return block, iv, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errInvalidPadding
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, errInvalidPadding
	}

	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errInvalidPadding
		}
	}

	return data[:len(data)-padding], nil
}
