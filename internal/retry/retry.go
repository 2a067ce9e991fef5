package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds the configuration for retry logic
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns the backoff used for outbound API calls
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		BaseDelay:       250 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffMultiple: 2.0,
	}
}

// ErrorChecker reports whether err (with the HTTP status, if any) is worth retrying
type ErrorChecker func(err error, statusCode int) bool

// Func is one attempt. It returns the HTTP status it observed, or 0.
type Func[T any] func(ctx context.Context, attempt int) (T, int, error)

// Options configures retry behavior
type Options struct {
	Config       Config
	ErrorChecker ErrorChecker
	Logger       log.FieldLogger
	APIName      string
}

// delay computes the wait before the given retry using exponential backoff
func (c Config) delay(retry int) time.Duration {
	multiple := c.BackoffMultiple
	if multiple <= 0 {
		multiple = 1
	}
	d := time.Duration(float64(c.BaseDelay) * math.Pow(multiple, float64(retry)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// run out, or ctx is done.
func Do[T any](ctx context.Context, opts Options, fn Func[T]) (T, error) {
	var zero T
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	attempts := opts.Config.MaxRetries + 1

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := opts.Config.delay(attempt - 1)
			logger.Debugf("[Retry] %s retry attempt %d/%d after %v", opts.APIName, attempt+1, attempts, wait)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, status, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Debugf("[Retry] %s succeeded on attempt %d/%d", opts.APIName, attempt+1, attempts)
			}
			return result, nil
		}
		lastErr, lastStatus = err, status

		if ctx.Err() != nil {
			return zero, err
		}
		if opts.ErrorChecker == nil || !opts.ErrorChecker(err, status) {
			return zero, err
		}
		logger.WithFields(log.Fields{
			"status":  status,
			"attempt": attempt + 1,
		}).Warnf("[Retry] %s retryable error: %v", opts.APIName, err)
	}

	return zero, &ExhaustedError{
		APIName:        opts.APIName,
		Attempts:       attempts,
		LastStatusCode: lastStatus,
		Err:            lastErr,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	APIName        string
	Attempts       int
	LastStatusCode int
	Err            error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted for %s after %d attempts: %v", e.APIName, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsTransientStatus is the usual checker for HTTP APIs: network errors
// (status 0), rate limiting and server errors are retried.
func IsTransientStatus(err error, statusCode int) bool {
	if err == nil {
		return false
	}
	return statusCode == 0 || statusCode == 429 || statusCode >= 500
}
