// Package lbclient signals marathon-lb (or any HAProxy-based edge load
// balancer) to reload, fanning the request out to every configured
// endpoint.
package lbclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brankas/marathon-acme/kind"
)

// reloadPath is the default signal endpoint per spec.md §6.
const reloadPath = "/_mlb_signal/hup"

// Client POSTs to the configured load-balancer endpoints. Stateless and
// safe to call concurrently, though the reconciler serialises reload
// calls per spec.md §4.5.
type Client struct {
	endpoints  []string
	path       string
	httpClient *http.Client
	logf       func(string, ...interface{})
}

// Option configures a Client.
type Option func(*Client)

// WithPath overrides the default /_mlb_signal/hup path.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithHTTPClient overrides the client's http.Client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogf sets the logging func.
func WithLogf(f func(string, ...interface{})) Option {
	return func(c *Client) { c.logf = f }
}

// New creates a Client targeting the given load-balancer base URLs.
func New(endpoints []string, opts ...Option) *Client {
	c := &Client{
		endpoints:  endpoints,
		path:       reloadPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logf:       func(string, ...interface{}) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Result is the per-endpoint outcome of a Reload call.
type Result struct {
	Endpoint string
	Err      error
}

// Reload POSTs to every configured endpoint concurrently. Per-endpoint
// failures are logged and returned in the result slice but never cause
// Reload itself to return an error — a reload that fails on one peer
// still counts as triggered, per spec.md §4.5. Grounded on
// gcdnsp.Client.Provision's errgroup fan-out (gcdnsp.go), but unlike that
// fan-out this one tolerates partial failure rather than propagating the
// first error.
func (c *Client) Reload(ctx context.Context) []Result {
	results := make([]Result, len(c.endpoints))

	var eg errgroup.Group
	for i, ep := range c.endpoints {
		i, ep := i, ep
		eg.Go(func() error {
			err := c.reloadOne(ctx, ep)
			if err != nil {
				c.logf("reload failed for %s: %v", ep, err)
				err = kind.New(kind.LBReloadFailed, "", err)
			}
			results[i] = Result{Endpoint: ep, Err: err}
			return nil
		})
	}
	eg.Wait()

	return results
}

func (c *Client) reloadOne(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+c.path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
