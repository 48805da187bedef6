// Package reconciler implements the central state machine: it owns the
// desired-vs-installed diff, serialises issuance, deduplicates
// concurrent triggers, and decides when to reload the load balancer.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brankas/marathon-acme/acmeclient"
	"github.com/brankas/marathon-acme/domains"
)

// AppSource supplies the current orchestrator application list.
type AppSource interface {
	Snapshot(ctx context.Context) ([]domains.Application, error)
}

// CertStore is the subset of store.Store the reconciler depends on.
type CertStore interface {
	List() ([]string, error)
	Put(domain string, pemBytes []byte) error
	NotAfter(domain string) (time.Time, error)
}

// Issuer is the subset of acmeclient.Client the reconciler depends on.
type Issuer interface {
	Issue(ctx context.Context, domain string, responder acmeclient.Responder) (*acmeclient.Certificate, error)
}

// ReloadResult mirrors lbclient.Result without importing lbclient, so
// the reconciler only depends on the shape it needs.
type ReloadResult struct {
	Endpoint string
	Err      error
}

// Reloader is the subset of lbclient.Client the reconciler depends on.
type Reloader interface {
	Reload(ctx context.Context) []ReloadResult
}

// FailedDomain records a per-domain issuance failure within a pass.
type FailedDomain struct {
	Domain string
	Err    error
}

// Outcome is the result of one reconciliation pass, per spec.md §4.7.
type Outcome struct {
	Issued   []string
	Failed   []FailedDomain
	Reloaded bool
}

// Config bundles the Reconciler's fixed settings.
type Config struct {
	Group          string
	AllowMultiple  bool
	RenewThreshold time.Duration
	Logf           func(string, ...interface{})
}

// Reconciler holds the last-known desired set (implicitly, via the next
// Snapshot), the mutex serialising reconciliation passes, and the
// coalescing dirty flags described in spec.md §4.7.
type Reconciler struct {
	apps      AppSource
	certs     CertStore
	acme      Issuer
	responder acmeclient.Responder
	lb        Reloader

	group          string
	allowMultiple  bool
	renewThreshold time.Duration
	logf           func(string, ...interface{})

	// mu is "the reconcile mutex": held for the entire duration of a
	// pass so certificate writes for a single domain are strictly
	// ordered and at most one issuance is ever in flight.
	mu sync.Mutex

	// coalesceMu guards the async trigger bookkeeping below, held only
	// briefly — never for the duration of a pass.
	coalesceMu     sync.Mutex
	running        bool
	dirtyReconcile bool
	dirtyRenewal   bool

	// wg tracks every goroutine launched by Trigger/TriggerRenewal
	// (including any pass it coalesces into), so Wait can tell the
	// supervisor when it is safe to release the storage lock.
	wg sync.WaitGroup

	// onOutcome, if set, is invoked after every asynchronously triggered
	// pass — used by the supervisor for logging and by tests to observe
	// how many passes ran.
	onOutcome func(Outcome, error)
}

// New creates a Reconciler.
func New(apps AppSource, certs CertStore, acme Issuer, responder acmeclient.Responder, lb Reloader, cfg Config) *Reconciler {
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Reconciler{
		apps:           apps,
		certs:          certs,
		acme:           acme,
		responder:      responder,
		lb:             lb,
		group:          cfg.Group,
		allowMultiple:  cfg.AllowMultiple,
		renewThreshold: cfg.RenewThreshold,
		logf:           logf,
	}
}

// OnOutcome registers a callback invoked after every asynchronously
// triggered pass completes.
func (r *Reconciler) OnOutcome(f func(Outcome, error)) {
	r.onOutcome = f
}

// Trigger asynchronously runs a reconciliation pass. If a pass is
// already running, this trigger coalesces into a single dirty flag
// rather than queueing — constant memory under an event storm, and a
// guarantee that at least one more pass runs after the last trigger.
func (r *Reconciler) Trigger(ctx context.Context) {
	r.coalesceMu.Lock()
	if r.running {
		r.dirtyReconcile = true
		r.coalesceMu.Unlock()
		return
	}
	r.running = true
	r.coalesceMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(ctx, false)
	}()
}

// TriggerRenewal asynchronously runs a renewal pass, coalescing with any
// other pending trigger through the same mutex, per spec.md §4.8.
func (r *Reconciler) TriggerRenewal(ctx context.Context) {
	r.coalesceMu.Lock()
	if r.running {
		r.dirtyRenewal = true
		r.coalesceMu.Unlock()
		return
	}
	r.running = true
	r.coalesceMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(ctx, true)
	}()
}

// Wait blocks until every pass launched by Trigger/TriggerRenewal (and
// any pass it coalesced into) has returned, or ctx is done first,
// whichever comes first. Used by the supervisor to honor spec.md §5's
// "wait for any in-flight reconciliation up to a shutdown grace" shutdown
// contract before releasing the storage lock. Returns ctx.Err() if the
// deadline passes with a pass still running.
func (r *Reconciler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop drives one pass and then, per the coalescing contract,
// immediately starts another if a trigger arrived while it ran.
func (r *Reconciler) runLoop(ctx context.Context, renewal bool) {
	for {
		var (
			outcome Outcome
			err     error
		)
		if renewal {
			outcome, err = r.ReconcileRenewal(ctx)
		} else {
			outcome, err = r.Reconcile(ctx)
		}
		if r.onOutcome != nil {
			r.onOutcome(outcome, err)
		}

		r.coalesceMu.Lock()
		switch {
		case r.dirtyReconcile:
			r.dirtyReconcile = false
			renewal = false
			r.coalesceMu.Unlock()
			continue
		case r.dirtyRenewal:
			r.dirtyRenewal = false
			renewal = true
			r.coalesceMu.Unlock()
			continue
		default:
			r.running = false
			r.coalesceMu.Unlock()
			return
		}
	}
}

// Reconcile runs one synchronous pass: snapshot the orchestrator,
// compute the desired set, diff against what's installed, and issue
// whatever is missing. Safe to call directly (e.g. for the supervisor's
// initial pass, or in tests) — it serialises against any
// concurrently-running Trigger-initiated pass via the same mutex.
func (r *Reconciler) Reconcile(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	apps, err := r.apps.Snapshot(ctx)
	if err != nil {
		return Outcome{}, err
	}

	desired, warnings := domains.Extract(apps, r.group, r.allowMultiple)
	for _, w := range warnings {
		r.logf("WARN: app %s: %s", w.AppID, w.Reason)
	}

	installed, err := r.certs.List()
	if err != nil {
		return Outcome{}, err
	}
	installedSet := make(map[string]struct{}, len(installed))
	for _, d := range installed {
		installedSet[d] = struct{}{}
	}

	var toIssue []string
	for d := range desired {
		if _, ok := installedSet[d]; !ok {
			toIssue = append(toIssue, d)
		}
	}
	sort.Strings(toIssue)

	return r.issueAndReload(ctx, toIssue), nil
}

// ReconcileRenewal scans every installed certificate's expiry and
// reissues anything within the renewal threshold, per spec.md §4.7. This
// path does not consult the orchestrator.
func (r *Reconciler) ReconcileRenewal(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	installed, err := r.certs.List()
	if err != nil {
		return Outcome{}, err
	}

	var toRenew []string
	for _, d := range installed {
		notAfter, err := r.certs.NotAfter(d)
		if err != nil {
			r.logf("ERROR: could not read expiry for %s: %v", d, err)
			continue
		}
		if time.Until(notAfter) < r.renewThreshold {
			toRenew = append(toRenew, d)
		}
	}
	sort.Strings(toRenew)

	return r.issueAndReload(ctx, toRenew), nil
}

// issueAndReload issues every domain in toIssue sequentially — bounded
// concurrency of 1, per spec.md §4.7, to respect CA rate limits — and
// reloads the load balancer iff at least one issuance succeeded.
func (r *Reconciler) issueAndReload(ctx context.Context, toIssue []string) Outcome {
	var outcome Outcome

	for _, d := range toIssue {
		cert, err := r.acme.Issue(ctx, d, r.responder)
		if err != nil {
			r.logf("ERROR: issuing certificate for %s: %v", d, err)
			outcome.Failed = append(outcome.Failed, FailedDomain{Domain: d, Err: err})
			continue
		}
		if err := r.certs.Put(d, cert.PEM); err != nil {
			r.logf("ERROR: storing certificate for %s: %v", d, err)
			outcome.Failed = append(outcome.Failed, FailedDomain{Domain: d, Err: err})
			continue
		}
		outcome.Issued = append(outcome.Issued, d)
	}

	if len(outcome.Issued) > 0 {
		for _, res := range r.lb.Reload(ctx) {
			if res.Err != nil {
				r.logf("WARN: load-balancer reload failed for %s: %v", res.Endpoint, res.Err)
			}
		}
		outcome.Reloaded = true
	}

	return outcome
}
