// Package retry provides bounded exponential backoff for broker calls.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no Config is given.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client runs operations with backoff on retryable errors.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient creates a retry client.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger, config: cfg}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Do runs fn until it succeeds, returns an error shouldRetry rejects, or retries run out.
// The last error is returned unwrapped so callers can still classify it.
func (c *Client) Do(ctx context.Context, op string, shouldRetry func(error) bool, fn func(context.Context) error) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	backoff := c.config.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= c.config.MaxRetries || shouldRetry == nil || !shouldRetry(err) {
			return err
		}

		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"max":     c.config.MaxRetries + 1,
			"backoff": backoff,
		}).WithError(err).Warn("Retryable error, backing off")

		if serr := Sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("%s canceled during backoff: %w", op, err)
		}
		backoff = NextBackoff(backoff, c.config.MaxBackoff)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextBackoff grows the backoff by 1.5x, caps it, and adds up to 25% jitter.
func NextBackoff(currentBackoff, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError classifies network-level failures by message.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
