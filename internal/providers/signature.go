package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares in constant time. An unset secret rejects everything.
func verifyHMAC(p models.Provider, secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured for %s", models.ErrSignatureInvalid, p)
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: malformed %s signature", models.ErrSignatureInvalid, p)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: %s signature mismatch", models.ErrSignatureInvalid, p)
	}
	return nil
}
