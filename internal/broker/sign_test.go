package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignMatchesHMAC(t *testing.T) {
	s := NewSigner("key", "secret", 5000)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000key5000category=linear&symbol=BTCUSDT"))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, s.Sign(1700000000000, "category=linear&symbol=BTCUSDT"))
}

func TestSignDependsOnPayload(t *testing.T) {
	s := NewSigner("key", "secret", 5000)
	assert.NotEqual(t, s.Sign(1, "a=1"), s.Sign(1, "a=2"))
	assert.NotEqual(t, s.Sign(1, "a=1"), s.Sign(2, "a=1"))
}

func TestHeaders(t *testing.T) {
	s := NewSigner("key", "secret", 0)
	h := s.Headers(42, `{"symbol":"BTCUSDT"}`)

	assert.Equal(t, "key", h[HeaderAPIKey])
	assert.Equal(t, "42", h[HeaderTimestamp])
	assert.Equal(t, "5000", h[HeaderRecvWindow])
	assert.Equal(t, s.Sign(42, `{"symbol":"BTCUSDT"}`), h[HeaderSign])
	assert.Len(t, h[HeaderSign], 64)
}
