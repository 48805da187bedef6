// Package kind provides the tagged error taxonomy shared by every
// component: a small enum of error kinds plus a context-carrying error
// type that the reconciler can pattern-match on to decide retry policy.
package kind

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure from the error taxonomy.
type Kind int

const (
	// Unknown is the zero value; never produced deliberately.
	Unknown Kind = iota

	// ConfigInvalid is a bad CLI argument or unreachable storage path at
	// startup. Fatal.
	ConfigInvalid

	// StoreIO is a filesystem error reading or writing certificate
	// material. Fails the affected domain; fatal at startup.
	StoreIO

	// OrchestratorUnavailable means every configured orchestrator peer
	// was unreachable. Retried forever by the orchestrator client.
	OrchestratorUnavailable

	// ACMEUnavailable is a CA 5xx or network error surviving retries.
	// Per-domain failure, retried on the next pass.
	ACMEUnavailable

	// ACMERateLimited means the CA reported a rate limit. Per-domain
	// failure, not retried within the same pass.
	ACMERateLimited

	// ACMERejected means the CA refused the order (bad domain,
	// unauthorized). Per-domain failure, logged loudly, retried on the
	// next pass since the operator may correct labels.
	ACMERejected

	// ChallengeTimeout means validation never reached a terminal status
	// within the poll budget.
	ChallengeTimeout

	// LBReloadFailed is a per-endpoint load-balancer reload failure.
	// Logged; does not fail the pass.
	LBReloadFailed
)

// String returns the taxonomy name used in logs, matching spec.md §7.
func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "CONFIG_INVALID"
	case StoreIO:
		return "STORE_IO"
	case OrchestratorUnavailable:
		return "ORCHESTRATOR_UNAVAILABLE"
	case ACMEUnavailable:
		return "ACME_UNAVAILABLE"
	case ACMERateLimited:
		return "ACME_RATE_LIMITED"
	case ACMERejected:
		return "ACME_REJECTED"
	case ChallengeTimeout:
		return "CHALLENGE_TIMEOUT"
	case LBReloadFailed:
		return "LB_RELOAD_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying cause with a Kind and, where applicable, the
// domain it concerns.
type Error struct {
	Kind   Kind
	Domain string
	Err    error
}

// New creates an Error of the given kind wrapping err, optionally tagged
// with a domain.
func New(k Kind, domain string, err error) *Error {
	return &Error{Kind: k, Domain: domain, Err: err}
}

func (e *Error) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (domain %s): %v", e.Kind, e.Domain, e.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, allowing
// errors.Is(err, kind.New(kind.ACMERateLimited, "", nil)) style checks,
// as well as direct comparison via Of below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports the Kind carried by err, if err is (or wraps) a *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}
