package forward

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// QueryParam is the query parameter carrying the raw notification payload.
const QueryParam = "notification"

var ErrDeliveryStatus = errors.New("webhook returned non-2xx status")

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL string
	// Timeout bounds a single attempt. Zero keeps the transport default.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first one fails.
	// Zero means exactly one attempt per event.
	MaxRetries int
	// BackOff returns the policy used between retries. Defaults to
	// exponential backoff.
	BackOff func() backoff.BackOff
}

// Result describes one delivery of one payload.
type Result struct {
	URL        string
	StatusCode int
	Attempts   int
	Duration   time.Duration
	Err        error
}

func (r *Result) OK() bool {
	return r.Err == nil
}

type Forwarder struct {
	base       *url.URL
	config     Config
	httpClient HTTPClient
	logger     zerolog.Logger
}

func NewForwarder(config Config, logger zerolog.Logger) (*Forwarder, error) {
	return NewForwarderWithClient(config, &http.Client{Timeout: config.Timeout}, logger)
}

func NewForwarderWithClient(config Config, client HTTPClient, logger zerolog.Logger) (*Forwarder, error) {
	base, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported webhook scheme: %q", base.Scheme)
	}
	if config.BackOff == nil {
		config.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &Forwarder{
		base:       base,
		config:     config,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Destination returns the webhook URL with payload set as the notification
// query parameter. Existing query parameters of the base URL are kept.
func (f *Forwarder) Destination(payload string) string {
	u := *f.base
	q := u.Query()
	q.Set(QueryParam, payload)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns the webhook URL without the notification parameter.
func (f *Forwarder) Redacted() string {
	return f.base.Redacted()
}

// Deliver POSTs payload to the webhook. The request has no body; the payload
// travels in the URL. Failures are returned in the result, never retried
// unless MaxRetries is set, and 4xx responses are never retried.
func (f *Forwarder) Deliver(ctx context.Context, payload string) *Result {
	start := time.Now()
	result := &Result{URL: f.Destination(payload)}

	op := func() error {
		result.Attempts++
		status, err := f.post(ctx, result.URL)
		result.StatusCode = status
		if err != nil {
			if status >= 400 && status < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(f.config.BackOff(), uint64(f.config.MaxRetries)),
		ctx,
	)
	result.Err = backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		f.logger.Warn().Err(err).Int("attempt", result.Attempts).Dur("backoff", next).Msg("retrying delivery")
	})
	result.Duration = time.Since(start)

	return result
}

func (f *Forwarder) post(ctx context.Context, dest string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		// *url.Error quotes the full URL, which carries the row.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, fmt.Errorf("failed to deliver notification to %s: %w", f.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %d", ErrDeliveryStatus, resp.StatusCode)
	}

	return resp.StatusCode, nil
}
