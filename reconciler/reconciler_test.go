package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brankas/marathon-acme/acmeclient"
	"github.com/brankas/marathon-acme/domains"
)

type fakeApps struct {
	apps []domains.Application
	err  error
	n    int32
}

func (f *fakeApps) Snapshot(ctx context.Context) ([]domains.Application, error) {
	atomic.AddInt32(&f.n, 1)
	return f.apps, f.err
}

type fakeStore struct {
	mu       sync.Mutex
	certs    map[string][]byte
	notAfter map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{certs: map[string][]byte{}, notAfter: map[string]time.Time{}}
}

func (f *fakeStore) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for d := range f.certs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) Put(domain string, pemBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[domain] = pemBytes
	return nil
}

func (f *fakeStore) NotAfter(domain string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notAfter[domain], nil
}

type fakeIssuer struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	inFlight map[string]bool
	sawOverlap bool
	delay   time.Duration
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{fail: map[string]error{}, inFlight: map[string]bool{}}
}

func (f *fakeIssuer) Issue(ctx context.Context, domain string, responder acmeclient.Responder) (*acmeclient.Certificate, error) {
	f.mu.Lock()
	if f.inFlight[domain] {
		f.sawOverlap = true
	}
	f.inFlight[domain] = true
	f.calls = append(f.calls, domain)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight[domain] = false
	err := f.fail[domain]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &acmeclient.Certificate{Domain: domain, PEM: []byte("pem:" + domain)}, nil
}

type fakeLB struct {
	calls int32
}

func (f *fakeLB) Reload(ctx context.Context) []ReloadResult {
	atomic.AddInt32(&f.calls, 1)
	return []ReloadResult{{Endpoint: "lb1"}}
}

type fakeResponder struct{}

func (fakeResponder) Publish(token, body string) {}
func (fakeResponder) Withdraw(token string)       {}

func appWithDomain(domain string) domains.Application {
	return domains.Application{
		ID: domain,
		Ports: []domains.PortLabels{{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": domain,
		}},
	}
}

func TestReconcileFreshIssue(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{appWithDomain("a.example.com")}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})

	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, outcome.Issued)
	assert.Empty(t, outcome.Failed)
	assert.True(t, outcome.Reloaded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lb.calls))
}

func TestReconcileIdempotentSecondPassIssuesNothing(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{appWithDomain("a.example.com")}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcome.Issued)
	assert.False(t, outcome.Reloaded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lb.calls), "no reload on a pass that issues nothing")
}

func TestReconcileGroupMismatchIssuesNothing(t *testing.T) {
	app := domains.Application{ID: "app1", Ports: []domains.PortLabels{{
		"HAPROXY_GROUP":          "internal",
		"MARATHON_ACME_0_DOMAIN": "a.example.com",
	}}}
	apps := &fakeApps{apps: []domains.Application{app}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})
	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcome.Issued)
	assert.False(t, outcome.Reloaded)
}

func TestReconcileRateLimitedDomainReportedFailedOthersSucceed(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{
		appWithDomain("a.example.com"),
		appWithDomain("b.example.com"),
	}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	issuer.fail["b.example.com"] = fmt.Errorf("rate limited")
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})
	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a.example.com"}, outcome.Issued)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, "b.example.com", outcome.Failed[0].Domain)
	assert.True(t, outcome.Reloaded)
}

func TestReconcileRenewalReissuesWithinThreshold(t *testing.T) {
	apps := &fakeApps{}
	certs := newFakeStore()
	certs.certs["a.example.com"] = []byte("old")
	certs.notAfter["a.example.com"] = time.Now().Add(20 * 24 * time.Hour)
	issuer := newFakeIssuer()
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external", RenewThreshold: 30 * 24 * time.Hour})

	outcome, err := r.ReconcileRenewal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, outcome.Issued)
	assert.True(t, outcome.Reloaded)
	assert.Equal(t, int32(0), atomic.LoadInt32(&apps.n), "renewal must not consult the orchestrator")
}

func TestReconcileRenewalSkipsCertOutsideThreshold(t *testing.T) {
	apps := &fakeApps{}
	certs := newFakeStore()
	certs.certs["a.example.com"] = []byte("old")
	certs.notAfter["a.example.com"] = time.Now().Add(60 * 24 * time.Hour)
	issuer := newFakeIssuer()
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external", RenewThreshold: 30 * 24 * time.Hour})

	outcome, err := r.ReconcileRenewal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcome.Issued)
	assert.False(t, outcome.Reloaded)
}

func TestTriggerCoalescesEventStorm(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{appWithDomain("a.example.com")}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	issuer.delay = 50 * time.Millisecond
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})

	var passes int32
	done := make(chan struct{}, 100)
	r.OnOutcome(func(Outcome, error) {
		atomic.AddInt32(&passes, 1)
		done <- struct{}{}
	})

	ctx := context.Background()
	r.Trigger(ctx)
	// Fire 10 more triggers within the running pass's window.
	for i := 0; i < 10; i++ {
		time.Sleep(2 * time.Millisecond)
		r.Trigger(ctx)
	}

	// Wait for exactly two passes: the running one plus one coalesced
	// follow-up.
	<-done
	<-done

	select {
	case <-done:
		t.Fatal("expected exactly two passes for an event storm during one active pass")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&passes))
	assert.False(t, issuer.sawOverlap, "at most one in-flight issuance per domain at any instant")
}

func TestWaitBlocksUntilTriggeredPassCompletes(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{appWithDomain("a.example.com")}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	issuer.delay = 50 * time.Millisecond
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})

	r.Trigger(context.Background())

	err := r.Wait(context.Background())
	require.NoError(t, err)

	domainsNow, err := certs.List()
	require.NoError(t, err)
	assert.Contains(t, domainsNow, "a.example.com", "Wait must not return before the in-flight pass finished writing")
}

func TestWaitReturnsContextErrorIfGraceElapsesFirst(t *testing.T) {
	apps := &fakeApps{apps: []domains.Application{appWithDomain("a.example.com")}}
	certs := newFakeStore()
	issuer := newFakeIssuer()
	issuer.delay = 200 * time.Millisecond
	lb := &fakeLB{}

	r := New(apps, certs, issuer, fakeResponder{}, lb, Config{Group: "external"})

	r.Trigger(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
