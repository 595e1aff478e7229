package tinvest

import (
	"context"
	"time"
)

const (
	maxAttempts       = 3
	initialBackoff    = 500 * time.Millisecond
	backoffMultiplier = 2
)

// callWithRetry runs a read call with bounded retries. Only retryable
// kinds (unavailable, timeout, rate-limited) are attempted again;
// unauthorized and malformed responses fail immediately.
func (c *Client) callWithRetry(ctx context.Context, method string, request, out interface{}) error {
	backoff := initialBackoff

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = c.post(ctx, method, request, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == maxAttempts {
			return err
		}

		c.log.Warn().
			Err(err).
			Str("method", method).
			Int("attempt", attempt).
			Msg("API call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= backoffMultiplier
	}
	return err
}
