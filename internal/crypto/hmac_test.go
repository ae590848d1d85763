package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACAuth_HeadersAt(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("topsecret"))
	auth := &HMACAuth{Key: "key-1", Secret: secret, Passphrase: "pass"}

	headers := auth.HeadersAt("0xabc", "POST", "/orders", `{"q":1}`, 1700000000)

	assert.Equal(t, "0xabc", headers["AFX-ADDRESS"])
	assert.Equal(t, "key-1", headers["AFX-API-KEY"])
	assert.Equal(t, "1700000000", headers["AFX-TIMESTAMP"])
	assert.Equal(t, "pass", headers["AFX-PASSPHRASE"])

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(`1700000000POST/orders{"q":1}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, headers["AFX-SIGNATURE"])
}

func TestHMACAuth_HeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: base64.StdEncoding.EncodeToString([]byte("s"))}

	a := auth.HeadersAt("0x1", "GET", "/orders/42", "", 1700000000)
	b := auth.HeadersAt("0x1", "GET", "/orders/42", "", 1700000000)
	assert.Equal(t, a, b)

	// Any input change moves the signature.
	c := auth.HeadersAt("0x1", "GET", "/orders/43", "", 1700000000)
	assert.NotEqual(t, a["AFX-SIGNATURE"], c["AFX-SIGNATURE"])
}

func TestHMACAuth_StringRedactsSecrets(t *testing.T) {
	auth := &HMACAuth{Key: "key-123456", Secret: "supersecretvalue"}
	s := auth.String()

	require.NotContains(t, s, "123456")
	require.NotContains(t, s, "secretvalue")
	assert.Contains(t, s, "key-")
}
