package sports

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// The platform's order endpoint expects the body AES-128-ECB encrypted with a
// throwaway key, and that key plus a millisecond timestamp RSA-encrypted into
// the sid/tim headers. ECB with no IV is what the server implements; this is a
// wire-compatibility constraint, not a cipher choice of ours.

const orderKeyLen = 16
const orderKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// OrderHeaders carry the RSA-wrapped key and timestamp for one encoded order.
type OrderHeaders struct {
	Sid string
	Tim string
}

// OrderCipher encodes order payloads against the platform's fixed public key.
type OrderCipher struct {
	pub *rsa.PublicKey
	now func() time.Time
}

// NewOrderCipher parses the PEM public key from configuration. An empty or
// unparsable key is a ConfigError: there is no runtime discovery, a rotated
// key means redeploying configuration.
func NewOrderCipher(pemKey string) (*OrderCipher, error) {
	if pemKey == "" {
		return nil, &ConfigError{Reason: "rsa_public_key is not set"}
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, &ConfigError{Reason: "rsa_public_key is not valid PEM"}
	}
	var pub *rsa.PublicKey
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, &ConfigError{Reason: "rsa_public_key is not an RSA key"}
		}
		pub = rsaPub
	} else if rsaPub, err2 := x509.ParsePKCS1PublicKey(block.Bytes); err2 == nil {
		pub = rsaPub
	} else {
		return nil, &ConfigError{Reason: fmt.Sprintf("rsa_public_key unparsable: %v", err)}
	}
	return &OrderCipher{pub: pub, now: time.Now}, nil
}

// EncodeOrder serializes payload to canonical JSON, encrypts it under a fresh
// 16-char [A-Z0-9] key, and wraps key and timestamp into the sid/tim headers.
// The body is the base64 ciphertext.
func (c *OrderCipher) EncodeOrder(payload any) ([]byte, OrderHeaders, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, OrderHeaders{}, fmt.Errorf("marshal order payload: %w", err)
	}

	key, err := generateOrderKey()
	if err != nil {
		return nil, OrderHeaders{}, err
	}

	ct, err := aesEncryptECB([]byte(key), plain)
	if err != nil {
		return nil, OrderHeaders{}, err
	}
	body := []byte(base64.StdEncoding.EncodeToString(ct))

	sid, err := c.rsaEncrypt([]byte(key))
	if err != nil {
		return nil, OrderHeaders{}, err
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	tim, err := c.rsaEncrypt([]byte(ts))
	if err != nil {
		return nil, OrderHeaders{}, err
	}
	return body, OrderHeaders{Sid: sid, Tim: tim}, nil
}

func (c *OrderCipher) rsaEncrypt(data []byte) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, c.pub, data)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func generateOrderKey() (string, error) {
	buf := make([]byte, orderKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate order key: %w", err)
	}
	for i, b := range buf {
		buf[i] = orderKeyAlphabet[int(b)%len(orderKeyAlphabet)]
	}
	return string(buf), nil
}

func aesEncryptECB(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}
	return out, nil
}

func aesDecryptECB(key, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext not a multiple of block size")
	}
	out := make([]byte, len(ct))
	for i := 0; i < len(ct); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], ct[i:i+block.BlockSize()])
	}
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n < 1 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return data[:len(data)-n], nil
}
