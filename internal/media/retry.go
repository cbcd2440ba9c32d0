package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
)

func retryS3(ctx context.Context, logger logrus.FieldLogger, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientS3Error(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("memorial_s3_retry_exhausted_total", map[string]string{
				"op": opName,
			})
			return err
		}
		reason := s3ErrorCode(err)
		metrics.Default().IncCounter("memorial_s3_retries_total", map[string]string{
			"op":     opName,
			"reason": reason,
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		logger.WithFields(logrus.Fields{
			"op":       opName,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"err":      err,
		}).Warn("s3_retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientS3Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "SlowDown",
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"RequestTimeTooSkewed":
		return true
	default:
		return false
	}
}

func s3ErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
