package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// fileCipher seals the credential file at rest. The key is derived from an
// operator passphrase with scrypt; the salt rides in front of the ciphertext.
type fileCipher struct {
	passphrase []byte
}

const saltLen = 16

func newFileCipher(passphrase string) *fileCipher {
	if passphrase == "" {
		return nil
	}
	return &fileCipher{passphrase: []byte(passphrase)}
}

func (f *fileCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(f.passphrase, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (f *fileCipher) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	aead, err := f.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	buf := append(append(salt, nonce...), ct...)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(buf)))
	base64.StdEncoding.Encode(out, buf)
	return out, nil
}

func (f *fileCipher) open(data []byte) ([]byte, error) {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(buf, data)
	if err != nil {
		return nil, fmt.Errorf("credential file is not valid base64: %w", err)
	}
	buf = buf[:n]
	if len(buf) < saltLen {
		return nil, fmt.Errorf("credential file too short")
	}
	salt := buf[:saltLen]
	aead, err := f.aead(salt)
	if err != nil {
		return nil, err
	}
	rest := buf[saltLen:]
	ns := aead.NonceSize()
	if len(rest) < ns {
		return nil, fmt.Errorf("credential file too short")
	}
	pt, err := aead.Open(nil, rest[:ns], rest[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("credential file decrypt failed (wrong passphrase?): %w", err)
	}
	return pt, nil
}
