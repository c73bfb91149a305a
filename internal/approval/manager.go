// ABOUTME: Human-in-the-loop approval workflow for gated exec actions
// ABOUTME: Races operator decisions against timeouts with single-settlement records

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/scope"
)

// Decision is the terminal outcome of an approval record.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
	DecisionExpired     Decision = "expired"
)

// Timeout bounds for pending approvals.
const (
	DefaultTimeout = 60 * time.Second
	MinTimeout     = 5 * time.Second
)

// EventRequested is broadcast to approval-capable connections on create.
const EventRequested = "exec.approval.requested"

// Approval errors
var (
	ErrDuplicateID = errors.New("approval id already pending")
	ErrLockdown    = errors.New("policy lockdown is active")
)

// Request describes the gated action awaiting a decision.
type Request struct {
	Command      string `json:"command"`
	WorkingDir   string `json:"workingDir,omitempty"`
	Host         string `json:"host,omitempty"`
	SecurityMode string `json:"securityMode,omitempty"`
	AskPolicy    string `json:"askPolicy,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
}

// Attribution identifies the requester for the audit trail.
type Attribution struct {
	ConnID   string `json:"connId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Record is one pending approval. It lives only in the pending table;
// after resolution only the audited outcome survives.
type Record struct {
	ID        string      `json:"id"`
	Request   Request     `json:"request"`
	CreatedAt time.Time   `json:"-"`
	ExpiresAt time.Time   `json:"-"`
	Requester Attribution `json:"-"`
}

// Resolution is the settled outcome delivered to the waiting caller.
type Resolution struct {
	Decision   Decision
	Reason     string
	ResolvedBy string
}

// Approved reports whether the decision permits the action.
func (r Resolution) Approved() bool {
	return r.Decision == DecisionAllowOnce || r.Decision == DecisionAllowAlways
}

// pending couples a record with its single-settlement result channel.
// done has capacity 1 and is written exactly once, by whichever of the
// explicit resolve, the expiry timer, or auto-expire settles first.
type pending struct {
	rec     *Record
	done    chan Resolution
	timer   *time.Timer
	settled bool
}

// Broadcaster pushes server events to scope-qualified connections.
type Broadcaster interface {
	Broadcast(event string, payload any, opts registry.BroadcastOpts) int
}

// ApproverLister reports which connections could answer an approval.
type ApproverLister interface {
	WithScope(s string) []*registry.Connection
}

// Auditor records resolutions durably.
type Auditor interface {
	Append(eventType string, payload any, ts time.Time) (audit.AppendResult, error)
}

// LockdownChecker reports whether policy lockdown currently holds.
type LockdownChecker interface {
	Lockdown() bool
}

// Manager orchestrates the approval workflow: create, broadcast, race the
// decision against the timeout, audit the resolution.
type Manager struct {
	mu      sync.Mutex
	table   map[string]*pending
	conns   ApproverLister
	events  Broadcaster
	auditor Auditor
	policy  LockdownChecker
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager builds an approval manager. defaultTimeout of zero selects
// DefaultTimeout; policy may be nil when policy gating is disabled.
func NewManager(conns ApproverLister, events Broadcaster, auditor Auditor, policy LockdownChecker, defaultTimeout time.Duration, logger *slog.Logger) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if defaultTimeout < MinTimeout {
		defaultTimeout = MinTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		table:   make(map[string]*pending),
		conns:   conns,
		events:  events,
		auditor: auditor,
		policy:  policy,
		timeout: defaultTimeout,
		logger:  logger.With("component", "approvals"),
	}
}

// Create builds an approval record and returns its single-settlement
// result channel. The id is generated when empty; a caller-supplied id
// that is already pending is rejected. The timeout is defaulted and
// clamped to the minimum floor.
//
// If no connection currently holds the approvals scope, the record
// auto-expires immediately: there is no one who could answer, so waiting
// would be pointless. Under policy lockdown, creation fails outright.
func (m *Manager) Create(req Request, id string, timeout time.Duration, requester Attribution) (*Record, <-chan Resolution, error) {
	if m.policy != nil && m.policy.Lockdown() {
		return nil, nil, ErrLockdown
	}

	if id == "" {
		id = uuid.New().String()
	}
	if timeout <= 0 {
		timeout = m.timeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:        id,
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Requester: requester,
	}
	p := &pending{
		rec:  rec,
		done: make(chan Resolution, 1),
	}

	m.mu.Lock()
	if _, exists := m.table[id]; exists {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.table[id] = p

	eligible := len(m.conns.WithScope(scope.Approvals))
	if eligible == 0 {
		// No one can possibly answer; settle without arming the timer.
		m.settleLocked(p, Resolution{
			Decision: DecisionExpired,
			Reason:   "no connection holds " + scope.Approvals,
		})
		m.mu.Unlock()
		m.logger.Info("approval auto-expired", "id", id, "command", req.Command)
		return rec, p.done, nil
	}

	p.timer = time.AfterFunc(timeout, func() { m.expire(id) })
	m.mu.Unlock()

	m.events.Broadcast(EventRequested, map[string]any{
		"id":          rec.ID,
		"request":     rec.Request,
		"createdAtMs": rec.CreatedAt.UnixMilli(),
		"expiresAtMs": rec.ExpiresAt.UnixMilli(),
	}, registry.BroadcastOpts{Scope: scope.Approvals, DropIfSlow: true})

	m.logger.Info("approval requested",
		"id", id,
		"command", req.Command,
		"eligible_approvers", eligible,
		"expires_at", rec.ExpiresAt,
	)
	return rec, p.done, nil
}

// Resolve settles a pending approval with an operator decision. Returns
// false when the id is unknown or already resolved - a second resolve on
// the same id is a safe no-op.
func (m *Manager) Resolve(id string, decision Decision, resolvedBy string) bool {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
	default:
		return false
	}

	m.mu.Lock()
	p, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	settled := m.settleLocked(p, Resolution{
		Decision:   decision,
		Reason:     "resolved by operator",
		ResolvedBy: resolvedBy,
	})
	m.mu.Unlock()

	if settled {
		m.logger.Info("approval resolved", "id", id, "decision", decision, "by", resolvedBy)
	}
	return settled
}

// expire is the timer path. Losing the race to an explicit resolve is a
// no-op.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	p, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	settled := m.settleLocked(p, Resolution{
		Decision: DecisionExpired,
		Reason:   "approval timed out",
	})
	m.mu.Unlock()

	if settled {
		m.logger.Info("approval expired", "id", id)
	}
}

// settleLocked performs the exactly-once transition: records the audit
// entry, delivers the resolution, and removes the record from the pending
// table. Must be called with mu held. Returns false if already settled.
func (m *Manager) settleLocked(p *pending, res Resolution) bool {
	if p.settled {
		return false
	}
	p.settled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(m.table, p.rec.ID)

	// The resolution is durably recorded before the waiting caller can
	// observe the decision. An audit failure is logged, not fatal: the
	// decision stands either way.
	if m.auditor != nil {
		_, err := m.auditor.Append(audit.TypeApprovalResolve, map[string]any{
			"id":         p.rec.ID,
			"command":    p.rec.Request.Command,
			"decision":   string(res.Decision),
			"reason":     res.Reason,
			"resolvedBy": res.ResolvedBy,
			"connId":     p.rec.Requester.ConnID,
			"deviceId":   p.rec.Requester.DeviceID,
			"clientId":   p.rec.Requester.ClientID,
		}, time.Now().UTC())
		if err != nil {
			m.logger.Error("failed to audit approval resolution",
				"id", p.rec.ID, "decision", res.Decision, "error", err)
		}
	}

	p.done <- res
	return true
}

// Pending returns the number of unresolved approvals.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// Outcome is the final reply for the requesting caller.
type Outcome struct {
	ID       string   `json:"id"`
	Approved bool     `json:"approved"`
	Decision Decision `json:"decision,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Ask runs the full workflow for one request: create, wait for the
// resolution, and shape the outcome. A creation failure yields an
// immediate approved=false outcome with a diagnostic reason and is never
// retried; the caller is expected to re-issue the underlying action.
// Lockdown is surfaced as an error so callers can distinguish "policy
// forbids this category" from "someone said no".
//
// ctx covers the caller's wait only. Cancellation abandons the wait but
// deliberately leaves the record pending: resolution authority rests with
// approval-scoped connections, not the requester.
func (m *Manager) Ask(ctx context.Context, req Request, id string, timeout time.Duration, requester Attribution) (Outcome, error) {
	rec, done, err := m.Create(req, id, timeout, requester)
	if err != nil {
		if errors.Is(err, ErrLockdown) {
			return Outcome{}, err
		}
		return Outcome{Approved: false, Reason: err.Error()}, nil
	}

	select {
	case res := <-done:
		return Outcome{
			ID:       rec.ID,
			Approved: res.Approved(),
			Decision: res.Decision,
			Reason:   res.Reason,
		}, nil
	case <-ctx.Done():
		return Outcome{
			ID:       rec.ID,
			Approved: false,
			Reason:   "caller abandoned the wait",
		}, nil
	}
}
