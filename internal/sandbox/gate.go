// Package sandbox enforces the outbound network allow-list.
package sandbox

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// Gate holds the process-wide host allow-list. It is created once at
// startup and handed to every component that talks to the network; the list
// changes only through SetAllowList.
type Gate struct {
	mu      sync.RWMutex
	allowed []string
	log     *logrus.Logger
}

// NewGate creates a gate seeded with hosts
func NewGate(hosts []string, logger *logrus.Logger) *Gate {
	return &Gate{
		allowed: normalizeAll(hosts),
		log:     logger,
	}
}

// Allowed reports whether host matches an allow-list entry exactly or is a
// dotted subdomain of one. "evil-ebi.ac.uk" does not match "ebi.ac.uk".
func (g *Gate) Allowed(host string) bool {
	h := normalize(host)
	if h == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, entry := range g.allowed {
		if h == entry || strings.HasSuffix(h, "."+entry) {
			return true
		}
	}
	return false
}

// Check returns CapabilityBlocked for hosts outside the allow-list
func (g *Gate) Check(host string) error {
	if g.Allowed(host) {
		return nil
	}
	g.log.WithFields(logrus.Fields{
		"host": host,
	}).Warn("Outbound request blocked by sandbox allow-list")
	return domain.Errorf(domain.KindCapabilityBlocked, "sandbox.Check", "host %q is not on the allow-list", host)
}

// CheckURL checks the host of a raw URL
func (g *Gate) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return domain.Errorf(domain.KindCapabilityBlocked, "sandbox.CheckURL", "cannot determine host of %q", raw)
	}
	return g.Check(u.Host)
}

// AllowList returns a sorted copy of the current entries
func (g *Gate) AllowList() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]string(nil), g.allowed...)
	sort.Strings(out)
	return out
}

// SetAllowList replaces the allow-list. Only operators may call it.
func (g *Gate) SetAllowList(p domain.Principal, hosts []string) error {
	if err := domain.RequireOperator(p, "sandbox.SetAllowList"); err != nil {
		return err
	}
	next := normalizeAll(hosts)
	if len(next) == 0 {
		return domain.NewValidationError("allowed_hosts", "allow-list must not be empty", hosts)
	}

	g.mu.Lock()
	g.allowed = next
	g.mu.Unlock()

	g.log.WithFields(logrus.Fields{
		"operator": p.ID,
		"hosts":    len(next),
	}).Info("Sandbox allow-list updated")
	return nil
}

func normalizeAll(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		n := normalize(h)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// normalize lowercases and strips port, brackets and trailing dot
func normalize(host string) string {
	h := strings.TrimSpace(strings.ToLower(host))
	if hp, _, err := net.SplitHostPort(h); err == nil {
		h = hp
	}
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}
