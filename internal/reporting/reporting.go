// Package reporting forwards unexpected failures to an error tracker.
package reporting

import (
	"fmt"
	"net/http"

	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

// Reporter captures errors that need human attention.
type Reporter interface {
	Capture(err error, tags map[string]string)
	CaptureRequest(err error, r *http.Request, tags map[string]string)
	Close()
}

// New returns a Sentry reporter when dsn is set and a no-op reporter otherwise.
func New(dsn, environment, release string) (Reporter, error) {
	if dsn == "" {
		return Noop{}, nil
	}

	client, err := raven.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid sentry dsn: %w", err)
	}
	if environment != "" {
		client.SetEnvironment(environment)
	}
	if release != "" {
		client.SetRelease(release)
	}

	log.Info("[Reporting] Sentry error reporting enabled")
	return &Sentry{client: client}, nil
}

// Sentry reports through raven-go.
type Sentry struct {
	client *raven.Client
}

func (s *Sentry) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.client.CaptureError(err, tags)
}

func (s *Sentry) CaptureRequest(err error, r *http.Request, tags map[string]string) {
	if err == nil {
		return
	}
	if r == nil {
		s.client.CaptureError(err, tags)
		return
	}
	s.client.CaptureError(err, tags, raven.NewHttp(r))
}

// Close flushes queued events.
func (s *Sentry) Close() {
	s.client.Wait()
	s.client.Close()
}

// Noop drops everything.
type Noop struct{}

func (Noop) Capture(error, map[string]string)                      {}
func (Noop) CaptureRequest(error, *http.Request, map[string]string) {}
func (Noop) Close()                                                 {}
