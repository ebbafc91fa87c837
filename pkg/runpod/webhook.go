package runpod

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the raw webhook
// body.
const SignatureHeader = "X-Sarpipe-Signature"

// Verifier checks webhook authenticity against a shared secret.
//
// An empty secret makes verification a permissive no-op. That is a
// deliberate operational trade-off for deployments where the webhook
// path is otherwise protected; it is logged loudly at construction and
// again (rate limited) on every unverified delivery.
type Verifier struct {
	secret   []byte
	logger   *zap.Logger
	warnRate *rate.Limiter
}

func NewVerifier(secret string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		secret:   []byte(secret),
		logger:   logger.Named("webhook"),
		warnRate: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	if len(v.secret) == 0 {
		v.logger.Warn("NO WEBHOOK SECRET CONFIGURED: signature verification is DISABLED and all webhook payloads will be accepted unverified")
	}
	return v
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// rawPayload under the shared secret. Comparison is constant time.
func (v *Verifier) VerifySignature(rawPayload []byte, signature string) bool {
	if !v.Enabled() {
		if v.warnRate.Allow() {
			v.logger.Warn("accepting webhook payload WITHOUT signature verification (no secret configured)")
		}
		return true
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawPayload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature header value for rawPayload. Used by tests
// and by the doctor's webhook self-check.
func (v *Verifier) Sign(rawPayload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawPayload)
	return hex.EncodeToString(mac.Sum(nil))
}
