// Package pushgateway delivers an encoded exposition payload to a Prometheus PushGateway with bounded retries.
// The default delivery uses PUT, which replaces the job's whole metric group; POST (merge) is available as an
// explicit configuration choice, and the two are never mixed within one run.
package pushgateway

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/exposition"
)

// maxBackoff caps the exponential backoff so that a high retry count cannot stall the job for hours
const maxBackoff = time.Minute

// DeliveryError is the terminal error returned once every allowed attempt has failed.  It carries the attempt
// count and the last observed status or transport error.
type DeliveryError struct {
	Attempts   int
	LastStatus int
	LastErr    error
}

func (d *DeliveryError) Error() string {
	if d.LastErr != nil {
		return fmt.Sprintf("push failed after %d attempts: %s", d.Attempts, d.LastErr)
	}
	return fmt.Sprintf("push failed after %d attempts: last status %d", d.Attempts, d.LastStatus)
}

func (d *DeliveryError) Unwrap() error { return d.LastErr }

// Client pushes payloads for one job/instance metric group
type Client struct {
	pushURL    string
	method     string
	maxRetries int
	baseDelay  time.Duration
	httpClient *http.Client

	// jitter returns the random component added to each backoff delay.  Swappable for tests.
	jitter func() time.Duration
}

// New builds a Client from the gateway configuration.  The job and instance names are sanitized by the config
// layer before they get here; an empty name never reaches URL construction.
func New(cfg config.GatewayConfig, perAttemptTimeout time.Duration) *Client {
	pushURL := fmt.Sprintf("%s/metrics/job/%s", cfg.URL, cfg.JobName)
	if cfg.InstanceName != "" {
		pushURL = fmt.Sprintf("%s/instance/%s", pushURL, cfg.InstanceName)
	}

	method := http.MethodPut
	if cfg.Method == config.MethodMerge {
		method = http.MethodPost
	}

	return &Client{
		pushURL:    pushURL,
		method:     method,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		httpClient: &http.Client{Timeout: perAttemptTimeout},
		jitter: func() time.Duration {
			// Uniform in [0, 500ms) to spread retries from concurrent cron jobs
			return time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
		},
	}
}

// Push delivers the payload, retrying up to the configured number of attempts.  The backoff before attempt n+1 is
// baseDelay * 2^(n-1) plus jitter, and the sleep is cancellable: a canceled context surfaces as the context's own
// error so the caller can tell an interrupt from a delivery failure.
func (c *Client) Push(ctx context.Context, payload string) error {
	funcLogger := log.WithFields(log.Fields{
		"url":    c.pushURL,
		"method": c.method,
	})

	var lastStatus int
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastStatus, lastErr = c.attempt(ctx, payload)
		if lastErr == nil && lastStatus == http.StatusAccepted {
			funcLogger.WithField("attempt", attempt).Debug("Pushed metrics to gateway")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attemptLogger := funcLogger.WithFields(log.Fields{
			"attempt":    attempt,
			"lastStatus": lastStatus,
		})
		if lastErr != nil {
			attemptLogger = attemptLogger.WithField("lastError", lastErr.Error())
		}
		if attempt == c.maxRetries {
			attemptLogger.Error("Could not push metrics to gateway.  Retries exhausted")
			break
		}

		delay := c.backoff(attempt)
		attemptLogger.WithField("backoff", delay.String()).Warn("Could not push metrics to gateway.  Will retry")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &DeliveryError{Attempts: c.maxRetries, LastStatus: lastStatus, LastErr: lastErr}
}

// PushOnce makes a single delivery attempt with no retries.  It is used for the best-effort push_errors_total
// payload sent after Push has already given up.
func (c *Client) PushOnce(ctx context.Context, payload string) error {
	status, err := c.attempt(ctx, payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("gateway returned status %d", status)
	}
	return nil
}

// Delete removes the existing metric group for this job/instance so that label combinations no longer present in
// the source table do not linger in the gateway.  It is best-effort: failure is logged, never fatal.
func (c *Client) Delete(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.pushURL, nil)
	if err != nil {
		log.WithField("url", c.pushURL).Warnf("Could not build delete request: %s", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithField("url", c.pushURL).Warnf("Could not delete previous metric group: %s", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{
			"url":    c.pushURL,
			"status": resp.StatusCode,
		}).Warn("Gateway refused delete of previous metric group")
		return
	}
	log.WithField("url", c.pushURL).Debug("Deleted previous metric group")
}

// attempt makes one HTTP delivery attempt and returns the status code, or a transport-level error
func (c *Client) attempt(ctx context.Context, payload string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, c.method, c.pushURL, strings.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", exposition.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// backoff computes the delay before attempt n+1, given that attempt n just failed
func (c *Client) backoff(failedAttempt int) time.Duration {
	delay := c.baseDelay<<(failedAttempt-1) + c.jitter()
	return clamp(delay, 0, maxBackoff)
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
