package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign returns the integrity field of a create request:
// hex(HMAC-SHA256(privateKey, merchantCode + merchantRef + amount)).
func Sign(privateKey, merchantCode, merchantRef string, amount int64) string {
	return sum(privateKey, []byte(merchantCode+merchantRef+strconv.FormatInt(amount, 10)))
}

// VerifyCallback checks the signature header of a pushed event against the
// raw request body.
func VerifyCallback(privateKey string, body []byte, signature string) error {
	if privateKey == "" || signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(sum(privateKey, body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignCallback is the counterpart of VerifyCallback, used by the gateway
// simulator and tests.
func SignCallback(privateKey string, body []byte) string {
	return sum(privateKey, body)
}

func sum(key string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}
