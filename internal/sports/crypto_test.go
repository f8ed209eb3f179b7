package sports

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return priv, pemKey
}

func TestAESECBRoundTrip(t *testing.T) {
	key := []byte("ABCDEF0123456789")
	for _, plain := range []string{"", "x", "exactly 16 bytes", `{"spaces":"场地","price":30}`} {
		ct, err := aesEncryptECB(key, []byte(plain))
		require.NoError(t, err)
		back, err := aesDecryptECB(key, ct)
		require.NoError(t, err)
		assert.Equal(t, plain, string(back))
	}
}

func TestGenerateOrderKeyShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		key, err := generateOrderKey()
		require.NoError(t, err)
		assert.Len(t, key, 16)
		for _, r := range key {
			assert.True(t, strings.ContainsRune(orderKeyAlphabet, r), "unexpected rune %q", r)
		}
	}
}

func TestEncodeOrderHeaders(t *testing.T) {
	priv, pemKey := testKeyPair(t)
	cipher, err := NewOrderCipher(pemKey)
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 2, 11, 59, 59, 500_000_000, time.UTC)
	cipher.now = func() time.Time { return fixed }

	payload := map[string]any{"siteId": "76", "date": "2026-03-09"}
	body, headers, err := cipher.EncodeOrder(payload)
	require.NoError(t, err)

	// sid unwraps to the AES key that decrypts the body
	sidCT, err := base64.StdEncoding.DecodeString(headers.Sid)
	require.NoError(t, err)
	aesKey, err := rsa.DecryptPKCS1v15(nil, priv, sidCT)
	require.NoError(t, err)
	assert.Len(t, aesKey, 16)

	bodyCT, err := base64.StdEncoding.DecodeString(string(body))
	require.NoError(t, err)
	plain, err := aesDecryptECB(aesKey, bodyCT)
	require.NoError(t, err)
	assert.JSONEq(t, `{"siteId":"76","date":"2026-03-09"}`, string(plain))

	// tim unwraps to the clock's unix milliseconds
	timCT, err := base64.StdEncoding.DecodeString(headers.Tim)
	require.NoError(t, err)
	ts, err := rsa.DecryptPKCS1v15(nil, priv, timCT)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(fixed.UnixMilli(), 10), string(ts))
}

func TestEncodeOrderFreshKeyPerCall(t *testing.T) {
	priv, pemKey := testKeyPair(t)
	cipher, err := NewOrderCipher(pemKey)
	require.NoError(t, err)

	keys := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, headers, err := cipher.EncodeOrder(map[string]string{"n": "1"})
		require.NoError(t, err)
		sidCT, err := base64.StdEncoding.DecodeString(headers.Sid)
		require.NoError(t, err)
		aesKey, err := rsa.DecryptPKCS1v15(nil, priv, sidCT)
		require.NoError(t, err)
		keys[string(aesKey)] = true
	}
	assert.Len(t, keys, 5, "every order must use a throwaway key")
}

func TestNewOrderCipherRejectsBadKeys(t *testing.T) {
	for _, pemKey := range []string{"", "not pem", "-----BEGIN PUBLIC KEY-----\nZm9v\n-----END PUBLIC KEY-----\n"} {
		_, err := NewOrderCipher(pemKey)
		require.Error(t, err)
		assert.True(t, IsConfig(err), "want ConfigError for %q", pemKey)
	}
}

func TestPKCS7UnpadRejectsGarbage(t *testing.T) {
	_, err := pkcs7Unpad([]byte{1, 2, 3, 17}, 16)
	assert.Error(t, err)
	_, err = pkcs7Unpad([]byte{}, 16)
	assert.Error(t, err)
	_, err = pkcs7Unpad([]byte{2, 2, 3, 2}, 16)
	assert.Error(t, err)
}
