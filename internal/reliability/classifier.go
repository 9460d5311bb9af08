package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransientStoreError reports whether a backend error is worth retrying:
// connection loss, serialization conflicts, lock timeouts and busy databases.
func IsTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "55P03", pgErr.Code == "57P01", pgErr.Code == "57P03": // lock not available, admin shutdown, cannot connect now
			return true
		default:
			return false
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times while retryable reports the error as
// transient, sleeping with capped exponential backoff between tries. It
// returns the last error and the number of attempts made.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || i == attempts-1 {
			return i + 1, err
		}
		timer := time.NewTimer(ExponentialBackoff(i, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return i + 1, err
		case <-timer.C:
		}
	}
	return attempts, err
}
