// Package marathonclient talks to the orchestrator's HTTP API: it
// enumerates applications and subscribes to its server-sent-event
// stream of app-state changes, handling multi-peer leader selection and
// reconnection.
package marathonclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brankas/marathon-acme/domains"
	"github.com/brankas/marathon-acme/kind"
)

// leaderHeader carries the current leader's address when a non-leader
// peer is contacted, per spec.md §4.4.
const leaderHeader = "X-Marathon-Leader"

// eventKinds are the SSE event types that should trigger a
// reconciliation, per spec.md §4.4. The event body itself is not
// parsed; receiving any of these just means "something changed, re-fetch
// the snapshot".
var eventKinds = map[string]struct{}{
	"api_post_event":              {},
	"status_update_event":         {},
	"deployment_success":          {},
	"health_status_changed_event": {},
}

// wireApp is the raw JSON shape of one /v2/apps entry; only the fields
// domains.Extract needs are kept, per spec.md §9's "no dynamic dispatch
// on orchestrator payloads".
type wireApp struct {
	ID              string `json:"id"`
	PortDefinitions []struct {
		Labels map[string]string `json:"labels"`
	} `json:"portDefinitions"`
	Container struct {
		PortMappings []struct {
			Labels map[string]string `json:"labels"`
		} `json:"portMappings"`
	} `json:"container"`
}

type appsResponse struct {
	Apps []wireApp `json:"apps"`
}

// Client is an orchestrator API client that probes a configured list of
// peers to find the current leader and reconnects its event subscription
// on failure.
type Client struct {
	peers      []string
	httpClient *http.Client
	logf       func(string, ...interface{})

	mu     sync.Mutex
	leader string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client's http.Client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogf sets the logging func.
func WithLogf(f func(string, ...interface{})) Option {
	return func(c *Client) { c.logf = f }
}

// New creates a Client probing the given peer base URLs.
func New(peers []string, opts ...Option) *Client {
	c := &Client{
		peers:      peers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logf:       func(string, ...interface{}) {},
	}
	for _, o := range opts {
		o(c)
	}
	if len(peers) > 0 {
		c.leader = peers[0]
	}
	return c
}

// resolveLeader probes every configured peer concurrently and records
// whichever one answers without a leader redirect, or the peer named by
// a redirect's X-Marathon-Leader header. Grounded on gcdnsp.Client's
// errgroup-based concurrent multi-target probing (gcdnsp.go), reused here
// for HA peer selection instead of nameserver propagation checks.
func (c *Client) resolveLeader(ctx context.Context) (string, error) {
	type probeResult struct {
		peer   string
		leader string
	}

	results := make(chan probeResult, len(c.peers))
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range c.peers {
		peer := p
		eg.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/v2/leader", nil)
			if err != nil {
				return nil
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logf("peer %s unreachable: %v", peer, err)
				return nil
			}
			defer resp.Body.Close()

			if leader := resp.Header.Get(leaderHeader); leader != "" {
				results <- probeResult{peer: peer, leader: leader}
				return nil
			}
			if resp.StatusCode < 300 {
				results <- probeResult{peer: peer, leader: peer}
			}
			return nil
		})
	}
	eg.Wait()
	close(results)

	for r := range results {
		return r.leader, nil
	}

	return "", kind.New(kind.OrchestratorUnavailable, "", fmt.Errorf("all %d orchestrator peers unreachable", len(c.peers)))
}

func (c *Client) currentLeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *Client) setLeader(leader string) {
	c.mu.Lock()
	c.leader = leader
	c.mu.Unlock()
}

// Snapshot fetches the current full application list via a single GET
// against the known (or freshly resolved) leader.
func (c *Client) Snapshot(ctx context.Context) ([]domains.Application, error) {
	leader := c.currentLeader()
	apps, err := c.fetchApps(ctx, leader)
	if err == nil {
		return apps, nil
	}

	leader, rerr := c.resolveLeader(ctx)
	if rerr != nil {
		return nil, rerr
	}
	c.setLeader(leader)

	apps, err = c.fetchApps(ctx, leader)
	if err != nil {
		return nil, kind.New(kind.OrchestratorUnavailable, "", err)
	}
	return apps, nil
}

func (c *Client) fetchApps(ctx context.Context, base string) ([]domains.Application, error) {
	if base == "" {
		return nil, fmt.Errorf("no known orchestrator leader")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v2/apps", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, base)
	}

	var parsed appsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("could not decode /v2/apps response: %w", err)
	}

	out := make([]domains.Application, 0, len(parsed.Apps))
	for _, a := range parsed.Apps {
		app := domains.Application{ID: a.ID}
		switch {
		case len(a.PortDefinitions) > 0:
			for _, pd := range a.PortDefinitions {
				app.Ports = append(app.Ports, domains.PortLabels(pd.Labels))
			}
		case len(a.Container.PortMappings) > 0:
			for _, pm := range a.Container.PortMappings {
				app.Ports = append(app.Ports, domains.PortLabels(pm.Labels))
			}
		}
		out = append(out, app)
	}
	return out, nil
}

// Subscribe opens a long-lived server-sent-event connection to the
// orchestrator and sends a value on the returned one-slot channel for
// each relevant event; the send is skipped while an earlier trigger is
// still pending in the channel (the payload itself is not parsed, per spec.md §4.4 —
// the Reconciler re-snapshots on every trigger). The channel is closed
// when ctx is cancelled. Reconnects with exponential backoff on stream
// loss, re-selecting the leader, and emits one synthetic trigger on
// reconnect so the Reconciler resyncs.
func (c *Client) Subscribe(ctx context.Context) <-chan struct{} {
	triggers := make(chan struct{}, 1)

	go func() {
		defer close(triggers)

		backoff := 100 * time.Millisecond
		const backoffMax = 30 * time.Second

		for {
			if ctx.Err() != nil {
				return
			}

			err := c.streamOnce(ctx, triggers)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logf("orchestrator event stream error: %v", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}

			// Synthetic resync trigger after every reconnect attempt,
			// per spec.md §4.4.
			select {
			case triggers <- struct{}{}:
			default:
			}
		}
	}()

	return triggers
}

// streamOnce resolves the current leader and reads its /v2/events SSE
// stream until it ends or ctx is cancelled, forwarding one trigger per
// relevant event.
func (c *Client) streamOnce(ctx context.Context, triggers chan<- struct{}) error {
	leader, err := c.resolveLeader(ctx)
	if err != nil {
		return err
	}
	c.setLeader(leader)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, leader+"/v2/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s/v2/events", resp.StatusCode, leader)
	}

	return scanEvents(resp.Body, func(eventType string) {
		if _, ok := eventKinds[eventType]; !ok && eventType != "" {
			return
		}
		select {
		case triggers <- struct{}{}:
		default:
		}
	})
}

// scanEvents parses a text/event-stream body, calling onEvent with the
// event type at the blank line that ends each message carrying an
// "event:" field (and with "" for every "data:" line of a message that
// has no event field yet). Only the event
// type is extracted; the data payload is deliberately discarded per
// spec.md §4.4.
func scanEvents(body io.Reader, onEvent func(eventType string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType == "" {
				onEvent("")
			}
		case line == "":
			if eventType != "" {
				onEvent(eventType)
			}
			eventType = ""
		}
	}
	return scanner.Err()
}
