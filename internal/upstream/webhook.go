// Package upstream is the upstream e-commerce API boundary: webhook HMAC
// verification and the order-fetch client C9's ingest service calls.
// Grounded on original_source/api/v1/webhooks.go's verify_shopify_hmac and
// save_or_get_order.
package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// VerifyWebhookHMAC checks an upstream webhook's base64 HMAC-SHA256 signature
// against body, using the shared secret from configuration. A missing header
// or secret is always invalid, never treated as "skip verification".
func VerifyWebhookHMAC(body []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(signatureHeader))
}
