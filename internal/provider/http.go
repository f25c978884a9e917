package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
)

// httpAdapter carries the pieces every HTTP-backed adapter needs. Adapters
// embed it so the request/response plumbing lives in one place and each
// adapter file only deals with its own wire format.
type httpAdapter struct {
	desc   Descriptor
	client *http.Client
}

func newHTTPAdapter(desc Descriptor, client *http.Client) httpAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return httpAdapter{desc: desc.withDefaults(), client: client}
}

// Name returns the configured provider name.
func (h *httpAdapter) Name() string { return h.desc.Name }

// postJSON runs the usual adapter flow for one call:
//
//  1. Marshal the backend request body
//  2. Build an HTTP request bound to a per-call timeout
//  3. Send it, retrying retryable failures with exponential backoff
//  4. Check the status code
//  5. Decode the body into out
//
// Everything that goes wrong comes back as a *Error.
func (h *httpAdapter) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindClientError, Provider: h.desc.Name, Message: "marshal request", Err: err}
	}

	err = h.retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, h.desc.Timeout)
		defer cancel()

		// bytes.NewReader is recreated per attempt; a consumed reader
		// can't be replayed.
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return &Error{Kind: KindClientError, Provider: h.desc.Name, Message: "create request", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := h.client.Do(httpReq)
		if err != nil {
			return transportError(h.desc.Name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return statusError(h.desc.Name, resp.StatusCode, respBody)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindBadResponse, Provider: h.desc.Name, Message: "decode response", Err: err}
		}
		return nil
	})
	return err
}

// probe issues a GET and reports whether it came back 200. Used by health
// checks, which only care about reachability.
func (h *httpAdapter) probe(ctx context.Context, url string, headers map[string]string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// retryInitialInterval is the first backoff delay. Tests shrink it.
var retryInitialInterval = 200 * time.Millisecond

// retry runs op up to desc.MaxRetries+1 times. Non-retryable errors stop
// the loop immediately via backoff.Permanent.
func (h *httpAdapter) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // bounded by the retry count instead

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.desc.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		// backoff returns the bare ctx.Err() when the context ends between
		// attempts; normalize so callers always see a *Error.
		return transportError(h.desc.Name, err)
	}
	return nil
}

// bearer builds the Authorization header map for key-authenticated APIs.
func bearer(apiKey string) map[string]string {
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", apiKey)}
}
