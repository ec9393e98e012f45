package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyPaymentSignature checks the signature returned on the client redirect
// after checkout. The provider signs the string "<orderID>|<paymentID>" with
// HMAC-SHA256 using the key secret and hex-encodes the digest. A mismatch is
// a normal negative result, not an error: callers must branch on the boolean.
func VerifyPaymentSignature(orderID, paymentID, signature, secret string) bool {
	if orderID == "" || paymentID == "" || signature == "" || secret == "" {
		return false
	}
	expected := signHex([]byte(secret), []byte(orderID+"|"+paymentID))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// VerifyWebhookSignature checks the asynchronous callback signature computed
// over the raw request body. The body must be the exact bytes received; any
// re-serialisation breaks the digest.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	expected := signHex([]byte(secret), body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func signHex(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
