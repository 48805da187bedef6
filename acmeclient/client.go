// Package acmeclient drives the ACME HTTP-01 issuance flow: account
// registration and per-domain certificate issuance, using a
// challenge.Responder to publish key authorizations.
package acmeclient

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/brankas/marathon-acme/kind"
)

// Responder is the subset of challenge.Responder the ACME client needs,
// kept as an interface so tests can stub it without standing up a real
// HTTP listener.
type Responder interface {
	Publish(token, body string)
	Withdraw(token string)
}

// Policy bundles the timing knobs of spec.md §4.2 so tests can shrink
// them.
type Policy struct {
	// PollInterval is the starting interval between authorization status
	// checks; it backs off exponentially up to PollIntervalMax.
	PollInterval time.Duration

	// PollIntervalMax caps the exponential poll backoff.
	PollIntervalMax time.Duration

	// PollTimeout is the total budget for reaching a terminal
	// authorization status before CHALLENGE_TIMEOUT.
	PollTimeout time.Duration

	// MaxAttempts bounds retries of CA 5xx/network failures before
	// surfacing ACME_UNAVAILABLE.
	MaxAttempts int

	// RetryBackoff is the base delay between retry attempts.
	RetryBackoff time.Duration
}

// DefaultPolicy matches spec.md §4.2: ~1s poll start, ~30s cap, ~5min
// total timeout, 3 retry attempts.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:    time.Second,
		PollIntervalMax: 30 * time.Second,
		PollTimeout:     5 * time.Minute,
		MaxAttempts:     3,
		RetryBackoff:    time.Second,
	}
}

// Certificate is an issued certificate ready for store.Put: PEM-encoded
// fresh private key concatenated with the certificate chain.
type Certificate struct {
	Domain   string
	PEM      []byte
	NotAfter time.Time
}

// Client wraps golang.org/x/crypto/acme.Client with the retry/backoff
// policy and HTTP-01 dance of spec.md §4.2. The caller guarantees no two
// Issue calls for the same domain overlap (the reconciler serialises
// per-domain issuance); the client itself may be shared across domains.
type Client struct {
	acme   *acme.Client
	policy Policy
}

// New creates a Client using accountKey as the ACME account key and
// directoryURL as the ACME directory (defaults to Let's Encrypt
// production if empty).
func New(accountKey crypto.Signer, directoryURL string) *Client {
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	return &Client{
		acme: &acme.Client{
			Key:          accountKey,
			DirectoryURL: directoryURL,
		},
		policy: DefaultPolicy(),
	}
}

// WithPolicy overrides the default timing policy, returning the same
// Client for chaining.
func (c *Client) WithPolicy(p Policy) *Client {
	c.policy = p
	return c
}

// Register performs idempotent ACME account registration. A 409
// Conflict response (already registered) is treated as success, mirroring
// the teacher's Manager.renew account-registration handling.
func (c *Client) Register(ctx context.Context, contactEmail string) error {
	acct := &acme.Account{}
	if contactEmail != "" {
		acct.Contact = []string{"mailto:" + contactEmail}
	}

	_, err := c.acme.Register(ctx, acct, acme.AcceptTOS)
	if err == nil {
		return nil
	}
	var ae *acme.Error
	if errors.As(err, &ae) && ae.StatusCode == http.StatusConflict {
		return nil
	}
	return kind.New(kind.ACMEUnavailable, "", fmt.Errorf("could not register ACME account: %w", err))
}

// Issue executes the HTTP-01 flow for domain: authorize, publish the
// challenge response via responder, instruct the CA to validate, poll
// for a terminal status, then request the certificate. Grounded on the
// teacher's Manager.renew (autocertdns.go), generalized from dns-01 to
// http-01 and with an explicit poll/backoff loop replacing the
// teacher's single WaitAuthorization call.
func (c *Client) Issue(ctx context.Context, domain string, responder Responder) (*Certificate, error) {
	authz, err := retry(ctx, c.policy, domain, func() (*acme.Authorization, error) {
		return c.acme.Authorize(ctx, domain)
	})
	if err != nil {
		return nil, err
	}

	var challenge *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "http-01" {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return nil, kind.New(kind.ACMERejected, domain, errors.New("no http-01 challenge offered by CA"))
	}

	keyAuth, err := c.acme.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return nil, kind.New(kind.ACMERejected, domain, fmt.Errorf("could not compute key authorization: %w", err))
	}

	// Publish happens-before Accept, per spec.md §4.3's ordering
	// guarantee.
	responder.Publish(challenge.Token, keyAuth)
	defer responder.Withdraw(challenge.Token)

	if _, err := retry(ctx, c.policy, domain, func() (*acme.Challenge, error) {
		return c.acme.Accept(ctx, challenge)
	}); err != nil {
		return nil, err
	}

	if err := c.pollAuthorization(ctx, domain, authz.URI); err != nil {
		return nil, err
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, kind.New(kind.StoreIO, domain, fmt.Errorf("could not generate certificate key: %w", err))
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, kind.New(kind.StoreIO, domain, fmt.Errorf("could not create certificate request: %w", err))
	}

	type certResult struct {
		der    [][]byte
		urlstr string
	}
	result, err := retry(ctx, c.policy, domain, func() (*certResult, error) {
		der, urlstr, err := c.acme.CreateCert(ctx, csr, 0, true)
		if err != nil {
			return nil, err
		}
		return &certResult{der: der, urlstr: urlstr}, nil
	})
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, kind.New(kind.StoreIO, domain, fmt.Errorf("could not marshal certificate key: %w", err))
	}

	var buf bytes.Buffer
	buf.Write(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	var notAfter time.Time
	for i, der := range result.der {
		buf.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
		if i == 0 {
			if leaf, err := x509.ParseCertificate(der); err == nil {
				notAfter = leaf.NotAfter
			}
		}
	}

	return &Certificate{Domain: domain, PEM: buf.Bytes(), NotAfter: notAfter}, nil
}

// pollAuthorization polls authzURL with exponential backoff until the
// authorization reaches a terminal status or the poll timeout elapses,
// implementing spec.md §4.2's poll policy explicitly rather than relying
// on the library's single-shot WaitAuthorization.
func (c *Client) pollAuthorization(ctx context.Context, domain, authzURL string) error {
	deadline := time.Now().Add(c.policy.PollTimeout)
	interval := c.policy.PollInterval

	for {
		authz, err := c.acme.GetAuthorization(ctx, authzURL)
		if err != nil {
			return kind.New(kind.ACMEUnavailable, domain, fmt.Errorf("could not fetch authorization status: %w", err))
		}

		switch authz.Status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid:
			return kind.New(kind.ACMERejected, domain, errors.New("authorization is invalid"))
		}

		if time.Now().Add(interval).After(deadline) {
			return kind.New(kind.ChallengeTimeout, domain, fmt.Errorf("challenge did not reach a terminal status within %s", c.policy.PollTimeout))
		}

		select {
		case <-ctx.Done():
			return kind.New(kind.ChallengeTimeout, domain, ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.policy.PollIntervalMax {
			interval = c.policy.PollIntervalMax
		}
	}
}

// retry runs op up to policy.MaxAttempts times, retrying only on CA 5xx
// responses and network errors (badNonce retries are handled internally
// by golang.org/x/crypto/acme). CA 4xx responses surface immediately,
// classified as ACME_RATE_LIMITED or ACME_REJECTED per spec.md §4.2.
// A free function rather than a method because Go methods cannot carry
// their own type parameters.
func retry[T any](ctx context.Context, policy Policy, domain string, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var ae *acme.Error
		if errors.As(err, &ae) && ae.StatusCode >= 400 && ae.StatusCode < 500 {
			if isRateLimited(ae) {
				return zero, kind.New(kind.ACMERateLimited, domain, ae)
			}
			return zero, kind.New(kind.ACMERejected, domain, ae)
		}

		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return zero, kind.New(kind.ACMEUnavailable, domain, ctx.Err())
			case <-time.After(policy.RetryBackoff * time.Duration(attempt)):
			}
		}
	}

	return zero, kind.New(kind.ACMEUnavailable, domain, fmt.Errorf("exhausted %d attempts: %w", policy.MaxAttempts, lastErr))
}

// isRateLimited reports whether ae represents a CA rate-limit response.
func isRateLimited(ae *acme.Error) bool {
	return strings.Contains(ae.ProblemType, "rateLimited")
}
