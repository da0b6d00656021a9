package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// Request is one chat completion request
type Request struct {
	SessionID string
	System    string
	Prompt    string
}

// Response is a completed chat call. Token counts are zero when the
// backend does not report them.
type Response struct {
	Text             string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
}

// Backend is a chat model the router can dispatch to
type Backend interface {
	Name() string
	ModelID() string
	IsLocal() bool
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Result is the routed response plus its audit metadata
type Result struct {
	*Response
	Backend   string           `json:"backend"`
	DataClass domain.DataClass `json:"data_class"`
	AuditID   string           `json:"audit_id"`
}

// Router classifies prompts, picks a backend under the policy and audits
// every call
type Router struct {
	mu       sync.RWMutex
	backends []Backend
	policy   Policy

	audit domain.AuditStore
	now   func() time.Time
	log   *logrus.Logger
}

// NewRouter creates a router
func NewRouter(policy Policy, audit domain.AuditStore, logger *logrus.Logger) *Router {
	return &Router{
		policy: policy,
		audit:  audit,
		now:    time.Now,
		log:    logger,
	}
}

// Register adds a backend. Later registrations with the same name replace earlier ones.
func (r *Router) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.backends {
		if existing.Name() == b.Name() {
			r.backends[i] = b
			return
		}
	}
	r.backends = append(r.backends, b)
}

// Policy returns the current routing policy
func (r *Router) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy replaces the routing policy. Only operators may call it.
func (r *Router) SetPolicy(principal domain.Principal, p Policy) error {
	if err := domain.RequireOperator(principal, "llm.SetPolicy"); err != nil {
		return err
	}
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"operator":              principal.ID,
		"preferred_backend":     p.PreferredBackend,
		"allow_remote_internal": p.AllowRemoteInternal,
		"local_only":            p.LocalOnly,
	}).Info("LLM routing policy updated")
	return nil
}

// Route picks the backend for a data class
func (r *Router) Route(class domain.DataClass) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	remote := r.policy.remoteAllowed(class)

	if b := r.find(r.policy.PreferredBackend); b != nil && (b.IsLocal() || remote) {
		return b, nil
	}
	for _, b := range r.backends {
		if b.IsLocal() {
			return b, nil
		}
	}
	if remote && len(r.backends) > 0 {
		return r.backends[0], nil
	}
	if len(r.backends) == 0 {
		return nil, domain.NewError(domain.KindProviderUnavailable, "llm.Route", "no LLM backend registered")
	}
	return nil, domain.Errorf(domain.KindPolicyBlocked, "llm.Route", "%s prompt requires a local backend and none is registered", class)
}

func (r *Router) find(name string) Backend {
	if name == "" {
		return nil
	}
	for _, b := range r.backends {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// Complete classifies, routes and executes a request. An audit record is
// written for every call, including refused and failed ones.
func (r *Router) Complete(ctx context.Context, req Request) (*Result, error) {
	class := Classify(req.System + "\n" + req.Prompt)
	record := &domain.AuditRecord{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		DataClass:    class,
		PromptTokens: EstimateTokens(req.System) + EstimateTokens(req.Prompt),
	}

	backend, err := r.Route(class)
	if err != nil {
		return nil, r.finish(ctx, record, nil, err)
	}
	record.Backend = backend.Name()
	record.ModelID = backend.ModelID()

	resp, err := backend.Complete(ctx, req)
	if err != nil {
		return nil, r.finish(ctx, record, nil, err)
	}
	if err := r.finish(ctx, record, resp, nil); err != nil {
		return nil, err
	}
	return &Result{
		Response:  resp,
		Backend:   backend.Name(),
		DataClass: class,
		AuditID:   record.ID,
	}, nil
}

// finish writes the audit record and returns the error the caller should see
func (r *Router) finish(ctx context.Context, record *domain.AuditRecord, resp *Response, callErr error) error {
	record.Timestamp = r.now().UTC()
	if resp != nil {
		if resp.ModelID != "" {
			record.ModelID = resp.ModelID
		}
		if resp.PromptTokens > 0 {
			record.PromptTokens = resp.PromptTokens
		}
		record.CompletionTokens = resp.CompletionTokens
		if record.CompletionTokens == 0 {
			record.CompletionTokens = EstimateTokens(resp.Text)
		}
		record.OutputSHA256 = HashOutput(resp.Text)
	}
	if callErr != nil {
		record.ErrorKind = domain.KindOf(callErr, domain.KindProviderUnavailable)
	}

	fields := logrus.Fields{
		"audit_id":   record.ID,
		"session_id": record.SessionID,
		"backend":    record.Backend,
		"data_class": record.DataClass,
	}
	if callErr != nil {
		r.log.WithError(callErr).WithFields(fields).Warn("LLM call failed")
	} else {
		r.log.WithFields(fields).Debug("LLM call completed")
	}

	// the audit write must land even when the caller has given up
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.audit.Append(auditCtx, record); err != nil {
		r.log.WithError(err).WithFields(fields).Error("Failed to write LLM audit record")
		if callErr != nil {
			return callErr
		}
		return fmt.Errorf("writing audit record: %w", err)
	}
	return callErr
}

// HashOutput is the hex SHA-256 of a response body
func HashOutput(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates a token count as one token per four characters
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
