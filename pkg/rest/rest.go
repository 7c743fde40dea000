// Package rest builds HTTP clients pointed at the application under test.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/jwt"
)

var log = logging.Named("RESTClient")

type Option func(*resty.Client)

// WithJWT sends token as a bearer credential on every request.
func WithJWT(token string) Option {
	return func(c *resty.Client) {
		c.SetAuthToken(token)
	}
}

func WithBasicAuth(user, password string) Option {
	return func(c *resty.Client) {
		c.SetBasicAuth(user, password)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

// New returns a JSON client rooted at baseURL.
func New(baseURL string, opts ...Option) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithJWT signs a token for subject and returns a client that sends it.
func NewWithJWT(baseURL, subject, issuer string, claims ...string) (*resty.Client, error) {
	token, err := jwt.Build(subject, issuer, claims...)
	if err != nil {
		return nil, err
	}
	return New(baseURL, WithJWT(token)), nil
}

var (
	defaultClient *resty.Client
	defaultMux    sync.RWMutex
)

// ConfigureDefault points the process-wide default client at baseURL.
func ConfigureDefault(baseURL string) {
	defaultMux.Lock()
	defer defaultMux.Unlock()

	defaultClient = New(baseURL)
	log.Debug("configured default REST client", "baseURL", baseURL)
}

// Default returns the process-wide client, or nil when none was configured.
func Default() *resty.Client {
	defaultMux.RLock()
	defer defaultMux.RUnlock()

	return defaultClient
}

// ResetDefault forgets the default client.
func ResetDefault() {
	defaultMux.Lock()
	defer defaultMux.Unlock()

	defaultClient = nil
}

// HealthStatus reads a MicroProfile Health response. It returns the overall
// status and the status of each named check; ok is false if body is not a
// health document.
func HealthStatus(body []byte) (status string, checks map[string]string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", nil, false
	}
	s := gjson.GetBytes(body, "status")
	if !s.Exists() {
		return "", nil, false
	}
	checks = map[string]string{}
	gjson.GetBytes(body, "checks").ForEach(func(_, check gjson.Result) bool {
		checks[check.Get("name").String()] = check.Get("status").String()
		return true
	})
	return s.String(), checks, true
}

// WaitForReady polls url until it answers 200 and, for a health document,
// reports UP. It gives up after timeout.
func WaitForReady(ctx context.Context, url string, timeout time.Duration) error {
	client := resty.New().SetTimeout(5 * time.Second)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		resp, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Trace("readiness probe failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("readiness probe returned %d", resp.StatusCode())
		}
		if status, checks, ok := HealthStatus(resp.Body()); ok && status != "UP" {
			return fmt.Errorf("application reported %s: %v", status, checks)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return errdefs.Start(err, "application at %s was not ready after %s", url, timeout)
	}
	log.Debug("application ready", "url", url, "attempts", attempt)
	return nil
}
