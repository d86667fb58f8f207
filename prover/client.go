package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"liquidswap/lifecycle"
)

const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// Client talks to the external prover over HTTP. Build calls are retried on
// transient failures with exponential backoff; 4xx responses mean the intent
// itself was rejected and are surfaced immediately without retry.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	log         *slog.Logger
}

// NewClient constructs a prover client. ratePerMinute of zero disables the
// outbound rate limiter.
func NewClient(baseURL string, timeout time.Duration, maxAttempts, ratePerMinute int, log *slog.Logger) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var limiter *rate.Limiter
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Prove submits the request, retrying transient failures up to the configured
// attempt budget with doubling delay.
func (c *Client) Prove(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode prover request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDuration(attempt)
			c.log.Warn("retrying prover call",
				"attempt", attempt+1,
				"delay", delay.String(),
				"action", req.Intent.Action,
			)
			select {
			case <-ctx.Done():
				return nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, ctx.Err(), "prover call cancelled")
			case <-time.After(delay):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, err, "prover rate limit wait aborted")
			}
		}

		result, retryable, err := c.proveOnce(ctx, payload)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, lastErr,
		"prover unavailable after %d attempts", c.maxAttempts)
}

func (c *Client) proveOnce(ctx context.Context, payload []byte) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, false, fmt.Errorf("decode prover response: %w", err)
		}
		if len(result.Transactions) == 0 {
			return nil, false, lifecycle.New(lifecycle.KindValidation, lifecycle.CodeIntentRejected,
				"prover returned no transactions")
		}
		return &result, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, lifecycle.New(lifecycle.KindValidation, lifecycle.CodeIntentRejected,
			"prover rejected intent: %s", truncate(string(body), 256))
	default:
		return nil, true, fmt.Errorf("prover returned status %d", resp.StatusCode)
	}
}

// Ping reports prover reachability and round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return time.Since(start), err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return time.Since(start), fmt.Errorf("prover returned status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func backoffDuration(attempt int) time.Duration {
	delay := baseRetryDelay << uint(attempt-1)
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
