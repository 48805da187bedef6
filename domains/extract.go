// Package domains implements the pure function that turns orchestrator
// application state into the set of domains this instance is
// responsible for.
package domains

import (
	"fmt"
	"regexp"
	"strings"
)

// Application is the minimal orchestrator application schema consumed by
// Extract: an id and an ordered list of per-port label maps. Per
// spec.md §9's "no dynamic dispatch on orchestrator payloads", this
// deliberately ignores every other field of the upstream payload.
type Application struct {
	ID    string
	Ports []PortLabels
}

// PortLabels is the label map attached to one port entry of an
// Application.
type PortLabels map[string]string

const (
	haproxyGroupLabel = "HAPROXY_GROUP"
)

// domainLabel returns the MARATHON_ACME_<n>_DOMAIN label key for port n.
func domainLabel(n int) string {
	return fmt.Sprintf("MARATHON_ACME_%d_DOMAIN", n)
}

// portGroupLabel returns the HAPROXY_<n>_GROUP fallback label key for
// port n.
func portGroupLabel(n int) string {
	return fmt.Sprintf("HAPROXY_%d_GROUP", n)
}

// dnsLabelRe matches one DNS label: 1-63 chars of [a-z0-9-], not
// starting or ending with a hyphen.
var dnsLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Warning describes a domain or label that was discarded while
// extracting the desired set, for the caller to log.
type Warning struct {
	AppID  string
	Reason string
}

// Extract computes the desired domain set from apps for the configured
// group. In single-cert mode (allowMultiple == false) a comma/whitespace
// separated label value contributes only its first entry; in
// multi-cert mode every entry contributes. Invalid or empty domains are
// dropped and reported as warnings rather than failing the whole batch.
func Extract(apps []Application, group string, allowMultiple bool) (map[string]struct{}, []Warning) {
	desired := make(map[string]struct{})
	var warnings []Warning
	seen := make(map[string]struct{})

	for _, app := range apps {
		for n, labels := range app.Ports {
			effectiveGroup := labels[haproxyGroupLabel]
			if effectiveGroup == "" {
				effectiveGroup = labels[portGroupLabel(n)]
			}
			if effectiveGroup != group {
				continue
			}

			raw, ok := labels[domainLabel(n)]
			if !ok {
				continue
			}
			if strings.TrimSpace(raw) == "" {
				warnings = append(warnings, Warning{AppID: app.ID, Reason: fmt.Sprintf("empty or whitespace-only domain label on port %d", n)})
				continue
			}

			entries := splitDomainList(raw)
			if !allowMultiple && len(entries) > 0 {
				entries = entries[:1]
			}

			for _, e := range entries {
				d := normalize(e)
				if !valid(d) {
					warnings = append(warnings, Warning{AppID: app.ID, Reason: fmt.Sprintf("invalid domain %q on port %d", d, n)})
					continue
				}
				if _, dup := seen[d]; dup {
					warnings = append(warnings, Warning{AppID: app.ID, Reason: fmt.Sprintf("domain %q already claimed by another application", d)})
				}
				seen[d] = struct{}{}
				desired[d] = struct{}{}
			}
		}
	}

	return desired, warnings
}

// splitDomainList splits a label value on commas and whitespace, as
// spec.md §3 allows for multi-cert mode.
func splitDomainList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// normalize strips surrounding whitespace and lowercases a domain.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// valid reports whether d is a syntactically valid DNS name per spec.md
// §6: labels 1-63 chars, total length <= 253, at least one dot.
func valid(d string) bool {
	if d == "" || len(d) > 253 || !strings.Contains(d, ".") {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if !dnsLabelRe.MatchString(label) {
			return false
		}
	}
	return true
}
