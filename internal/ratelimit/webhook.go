package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/takahq/takaops/internal/config"
)

const keyWebhookAccount = "webhook:c2b:%s"

// WebhookLimiter throttles C2B callbacks per paybill account. Without
// redis it is a no-op; a provider retry storm then lands on the database
// idempotency guard instead.
type WebhookLimiter struct {
	bucket  *TokenBucket
	billing *config.BillingConfigHolder
	log     *zap.Logger
}

func NewWebhookLimiter(bucket *TokenBucket, billing *config.BillingConfigHolder, log *zap.Logger) *WebhookLimiter {
	return &WebhookLimiter{
		bucket:  bucket,
		billing: billing,
		log:     log.Named("ratelimit.webhook"),
	}
}

// Allow reports whether another callback for accountNumber may proceed.
func (w *WebhookLimiter) Allow(ctx context.Context, accountNumber string) bool {
	if w == nil || w.bucket == nil || accountNumber == "" {
		return true
	}

	cfg := w.billing.Current()
	rate := float64(cfg.WebhookRatePerMinute) / 60.0
	burst := int(cfg.WebhookBurst)
	if rate <= 0 || burst <= 0 {
		return true
	}

	res, err := w.bucket.Allow(ctx, fmt.Sprintf(keyWebhookAccount, accountNumber), rate, burst)
	if err != nil {
		// Fail open; the unique transaction index still protects the ledger.
		w.log.Warn("rate limit check failed", zap.Error(err))
		return true
	}
	if !res.Allowed {
		w.log.Warn("webhook throttled",
			zap.String("account_number", accountNumber),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res.Allowed
}
