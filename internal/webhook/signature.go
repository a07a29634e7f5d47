package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks base64(HMAC-SHA256(secret, notificationURL + body)).
type Verifier struct {
	secret          []byte
	notificationURL string
}

func NewVerifier(secret, notificationURL string) *Verifier {
	return &Verifier{secret: []byte(secret), notificationURL: notificationURL}
}

func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(v.notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify fails closed: an unconfigured secret rejects everything.
func (v *Verifier) Verify(signature string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if len(v.secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(v.Sign(body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
