package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Header names for authenticated requests.
const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
	HeaderSign       = "X-BAPI-SIGN"
)

// Signer produces request signatures. The secret never leaves this type.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow string
}

// NewSigner creates a signer. recvWindow is in milliseconds.
func NewSigner(apiKey, apiSecret string, recvWindow int) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(apiSecret),
		recvWindow: strconv.Itoa(recvWindow),
	}
}

// Sign returns the hex HMAC-SHA256 of timestamp+apiKey+recvWindow+payload.
// payload is the query string for reads and the JSON body for writes.
func (s *Signer) Sign(timestamp int64, payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(s.apiKey))
	mac.Write([]byte(s.recvWindow))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the authentication headers for a request.
func (s *Signer) Headers(timestamp int64, payload string) map[string]string {
	return map[string]string{
		HeaderAPIKey:     s.apiKey,
		HeaderTimestamp:  strconv.FormatInt(timestamp, 10),
		HeaderRecvWindow: s.recvWindow,
		HeaderSign:       s.Sign(timestamp, payload),
	}
}
