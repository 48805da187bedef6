// Package marathonacme wires together the certificate store, ACME
// client, challenge responder, orchestrator client, load-balancer
// client, and reconciler into a running service, and owns startup
// ordering and graceful shutdown.
package marathonacme

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brankas/marathon-acme/acmeclient"
	"github.com/brankas/marathon-acme/challenge"
	"github.com/brankas/marathon-acme/lbclient"
	"github.com/brankas/marathon-acme/marathonclient"
	"github.com/brankas/marathon-acme/reconciler"
	"github.com/brankas/marathon-acme/renewal"
	"github.com/brankas/marathon-acme/store"
)

// Config bundles everything needed to run a Supervisor, mirroring the
// CLI surface of spec.md §6.
type Config struct {
	StorageDir    string
	ACMEURL       string
	Email         string
	Marathon      []string
	LoadBalancers []string
	Group         string
	AllowMultiple bool
	Listen        string

	RenewThreshold time.Duration
	ShutdownGrace  time.Duration
}

// lbAdapter adapts lbclient.Client's []lbclient.Result return type to
// the []reconciler.ReloadResult shape the reconciler depends on, so
// neither package needs to import the other's concrete type.
type lbAdapter struct {
	client *lbclient.Client
}

func (a lbAdapter) Reload(ctx context.Context) []reconciler.ReloadResult {
	results := a.client.Reload(ctx)
	out := make([]reconciler.ReloadResult, len(results))
	for i, r := range results {
		out[i] = reconciler.ReloadResult{Endpoint: r.Endpoint, Err: r.Err}
	}
	return out
}

// passTrigger adapts renewal.Scheduler's Trigger interface to always
// fire on passCtx rather than whatever ctx the Scheduler's own ticking
// loop happens to be running on. This keeps a renewal pass started just
// before shutdown from being hard-cancelled the instant the root context
// is cancelled — it runs to its next natural boundary, bounded only by
// the shutdown grace, per spec.md §5.
type passTrigger struct {
	rec     *reconciler.Reconciler
	passCtx context.Context
}

func (t passTrigger) TriggerRenewal(context.Context) {
	t.rec.TriggerRenewal(t.passCtx)
}

// Supervisor owns the full set of components and their lifecycle, per
// spec.md §4.9.
type Supervisor struct {
	cfg Config
	log *zap.SugaredLogger

	store      *store.Store
	responder  *challenge.Responder
	acme       *acmeclient.Client
	marathon   *marathonclient.Client
	lb         *lbclient.Client
	reconciler *reconciler.Reconciler

	httpServer *http.Server
}

// New constructs all components in the order spec.md §4.9 requires,
// without starting anything yet: C1 (store, including the default cert
// and account key), C3 (challenge responder), C2 (ACME client), C4
// (orchestrator client), C5 (load-balancer client), C7 (reconciler). The
// C8 renewal scheduler is built later, in Run. Grounded on the teacher's cmd/autogcdns/main.go
// run() function — same "build each dependency in order, fail fast"
// shape, generalized to nine components.
func New(cfg Config, log *zap.SugaredLogger) (*Supervisor, error) {
	if cfg.RenewThreshold == 0 {
		cfg.RenewThreshold = 30 * 24 * time.Hour
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.Group == "" {
		cfg.Group = "external"
	}

	st, err := store.Open(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("could not open storage directory: %w", err)
	}
	if err := st.EnsureDefault(); err != nil {
		return nil, fmt.Errorf("could not write default certificate: %w", err)
	}

	accountKey, err := st.AccountKey()
	if err != nil {
		return nil, fmt.Errorf("could not load account key: %w", err)
	}

	responder := challenge.New()
	acme := acmeclient.New(accountKey, cfg.ACMEURL)

	marathon := marathonclient.New(cfg.Marathon, marathonclient.WithLogf(log.Infof))
	lb := lbclient.New(cfg.LoadBalancers, lbclient.WithLogf(log.Warnf))

	rec := reconciler.New(marathon, st, acme, responder, lbAdapter{client: lb}, reconciler.Config{
		Group:          cfg.Group,
		AllowMultiple:  cfg.AllowMultiple,
		RenewThreshold: cfg.RenewThreshold,
		Logf:           log.Infof,
	})
	rec.OnOutcome(func(outcome reconciler.Outcome, err error) {
		if err != nil {
			log.Errorw("reconciliation pass failed", "error", err)
			return
		}
		log.Infow("reconciliation pass complete",
			"issued", outcome.Issued,
			"failed", len(outcome.Failed),
			"reloaded", outcome.Reloaded)
	})

	mux := http.NewServeMux()
	mux.Handle("/.well-known/acme-challenge/", responder)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Supervisor{
		cfg:        cfg,
		log:        log,
		store:      st,
		responder:  responder,
		acme:       acme,
		marathon:   marathon,
		lb:         lb,
		reconciler: rec,
		httpServer: &http.Server{Addr: cfg.Listen, Handler: mux},
	}, nil
}

// Run starts the HTTP listener, registers the ACME account, starts the
// orchestrator subscription and connects its triggers to the
// reconciler, fires an initial reconciliation, and starts the renewal
// scheduler — in that order, per spec.md §4.9 — then blocks until ctx is
// cancelled, at which point it shuts down in the reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.store.Close()

	// passCtx bounds every reconciliation pass, independently of ctx:
	// cancelling ctx (a shutdown signal) stops the orchestrator
	// subscription and the renewal scheduler's ticking immediately, but
	// must not itself hard-cancel a pass already in flight. Run only
	// cancels passCtx once the shutdown grace elapses, per spec.md §5's
	// "runs to its next natural boundary ... after which outstanding
	// ACME requests are abandoned".
	passCtx, cancelPasses := context.WithCancel(context.Background())
	defer cancelPasses()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.cfg.Listen, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("challenge/health server stopped", "error", err)
		}
	}()

	if err := s.acme.Register(ctx, s.cfg.Email); err != nil {
		return fmt.Errorf("could not register ACME account: %w", err)
	}

	triggers := s.marathon.Subscribe(ctx)
	go func() {
		for range triggers {
			s.reconciler.Trigger(passCtx)
		}
	}()

	// Fire the initial reconciliation synchronously, on passCtx, so the
	// process doesn't report ready before a first pass has run and this
	// pass isn't hard-cancelled by a shutdown signal arriving mid-issuance.
	outcome, err := s.reconciler.Reconcile(passCtx)
	if err != nil {
		s.log.Errorw("initial reconciliation failed", "error", err)
	} else {
		s.log.Infow("initial reconciliation complete", "issued", outcome.Issued, "failed", len(outcome.Failed))
	}

	scheduler := renewal.New(passTrigger{rec: s.reconciler, passCtx: passCtx})
	go scheduler.Run(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	// Wait for any in-flight or coalesced reconciliation pass to reach
	// its next natural boundary, bounded by the same shutdown grace, so
	// store.Close (which releases the single-writer lockfile) never runs
	// while a pass is still writing certificates. If the grace elapses
	// first, abandon outstanding ACME requests by cancelling passCtx.
	if err := s.reconciler.Wait(shutdownCtx); err != nil {
		s.log.Warnw("reconciliation did not finish within shutdown grace, abandoning in-flight work", "error", err)
		cancelPasses()
	}

	// The challenge listener stops last, so an in-flight issuance can
	// still have its HTTP-01 challenge served while it finishes.
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("challenge/health server did not shut down cleanly", "error", err)
	}

	return nil
}
