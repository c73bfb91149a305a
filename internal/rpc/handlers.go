// ABOUTME: Built-in gateway methods wired over the approval, policy, and node subsystems
// ABOUTME: Also owns the connect handshake that binds identity and scopes to a connection

package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/ward-gateway/internal/approval"
	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/auth"
	"github.com/2389/ward-gateway/internal/config"
	"github.com/2389/ward-gateway/internal/nodecmd"
	"github.com/2389/ward-gateway/internal/policy"
	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/scope"
	"github.com/2389/ward-gateway/internal/store"
)

// NodeStore is the registry of paired nodes consulted by node.invoke.
type NodeStore interface {
	DeclaredCommands(ctx context.Context, deviceID string) ([]string, error)
	TouchNode(ctx context.Context, deviceID string, at time.Time) error
}

// Gateway binds the control-plane subsystems into the RPC method set.
type Gateway struct {
	cfg       *config.Config
	registry  *registry.Registry
	approvals *approval.Manager
	policy    *policy.Manager
	nodes     NodeStore
	auditor   *audit.Log
	auth      *auth.Authenticator
	startedAt time.Time
	logger    *slog.Logger
}

// NewGateway builds the gateway and registers every built-in method on a
// fresh dispatcher.
func NewGateway(
	cfg *config.Config,
	reg *registry.Registry,
	approvals *approval.Manager,
	pol *policy.Manager,
	nodes NodeStore,
	auditor *audit.Log,
	authenticator *auth.Authenticator,
	logger *slog.Logger,
) (*Gateway, *Dispatcher) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:       cfg,
		registry:  reg,
		approvals: approvals,
		policy:    pol,
		nodes:     nodes,
		auditor:   auditor,
		auth:      authenticator,
		startedAt: time.Now().UTC(),
		logger:    logger.With("component", "gateway"),
	}

	d := NewDispatcher(logger)
	d.Register(Method{Name: "health", Handle: g.handleHealth})
	d.Register(Method{
		Name:   "config.get",
		Scope:  scope.Admin,
		Handle: g.handleConfigGet,
	})
	d.Register(Method{
		Name:   "exec.approval.request",
		Scope:  scope.ExecRequest,
		Params: func() any { return &ApprovalRequestParams{} },
		Handle: g.handleApprovalRequest,
	})
	d.Register(Method{
		Name:   "exec.approval.resolve",
		Scope:  scope.Approvals,
		Params: func() any { return &ApprovalResolveParams{} },
		Handle: g.handleApprovalResolve,
	})
	d.Register(Method{
		Name:   "node.invoke",
		Scope:  scope.Admin,
		Params: func() any { return &NodeInvokeParams{} },
		Handle: g.handleNodeInvoke,
	})
	d.Register(Method{
		Name:   "audit.verify",
		Scope:  scope.Admin,
		Handle: g.handleAuditVerify,
	})
	return g, d
}

// ConnectParams is the handshake frame's params: credentials plus the
// requested scope set.
type ConnectParams struct {
	Token  string       `json:"token,omitempty"`
	SSH    auth.SSHAuth `json:"ssh,omitempty"`
	Scopes []string     `json:"scopes,omitempty"`
}

// ConnectResult is returned to a successfully connected session.
type ConnectResult struct {
	ConnID string   `json:"connId"`
	Scopes []string `json:"scopes"`
}

// Connect authenticates the handshake, normalizes the requested scopes,
// and registers the resulting connection. The granted set is exactly the
// recognized requested scopes plus the minimal read scope; elevated scopes
// are never implied.
func (g *Gateway) Connect(p ConnectParams, remoteAddr string) (*registry.Connection, *Error) {
	identity, err := g.auth.Authenticate(auth.Credentials{Token: p.Token, SSH: p.SSH}, remoteAddr)
	if err != nil {
		return nil, newError(CodeUnauthenticated, err.Error())
	}

	granted := scope.Normalize(p.Scopes)
	conn := registry.NewConnection(granted, identity.DeviceID, identity.ClientID, g.logger)
	if err := g.registry.Register(conn); err != nil {
		return nil, newError(CodeInternal, err.Error())
	}

	if identity.DeviceID != "" && g.nodes != nil {
		if err := g.nodes.TouchNode(context.Background(), identity.DeviceID, time.Now().UTC()); err != nil &&
			!errors.Is(err, store.ErrNodeNotFound) {
			g.logger.Warn("failed to record node last seen", "device_id", identity.DeviceID, "error", err)
		}
	}
	return conn, nil
}

// Disconnect removes a connection from the registry.
func (g *Gateway) Disconnect(connID string) {
	g.registry.Unregister(connID)
}

// HealthResult is the health method payload.
type HealthResult struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Connections      int    `json:"connections"`
	PendingApprovals int    `json:"pendingApprovals"`
	PolicyEnabled    bool   `json:"policyEnabled"`
	PolicyValid      bool   `json:"policyValid"`
	Lockdown         bool   `json:"lockdown"`
	AuditChainHead   string `json:"auditChainHead,omitempty"`
}

func (g *Gateway) handleHealth(_ context.Context, _ *Session, _ any) (any, *Error) {
	return g.Health(), nil
}

// Health builds the health snapshot, shared by the RPC method and the
// plain HTTP endpoint.
func (g *Gateway) Health() HealthResult {
	st := g.policy.State()
	res := HealthResult{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(g.startedAt).Seconds()),
		Connections:      g.registry.Count(),
		PendingApprovals: g.approvals.Pending(),
		PolicyEnabled:    st.Enabled,
		PolicyValid:      st.Valid,
		Lockdown:         st.Lockdown,
	}
	if head := g.auditor.LastHash(); head != nil {
		res.AuditChainHead = *head
	}
	return res
}

// ConfigView is the redacted configuration exposed to admin connections.
// Secrets are structurally absent, not merely blanked.
type ConfigView struct {
	ListenAddr       string   `json:"listenAddr"`
	AuthDisabled     bool     `json:"authDisabled"`
	ApprovalTimeout  string   `json:"approvalTimeout"`
	RateLimitMax     int      `json:"rateLimitMax"`
	RateLimitWindow  string   `json:"rateLimitWindow"`
	PolicyEnabled    bool     `json:"policyEnabled"`
	PolicyFailClosed bool     `json:"policyFailClosed"`
	NodeAllowlist    []string `json:"nodeAllowlist"`
	AuditPath        string   `json:"auditPath"`
}

func (g *Gateway) handleConfigGet(_ context.Context, _ *Session, _ any) (any, *Error) {
	timeout := g.cfg.Approvals.Timeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	return ConfigView{
		ListenAddr:       g.cfg.Server.ListenAddr,
		AuthDisabled:     g.cfg.Auth.Disabled,
		ApprovalTimeout:  timeout.String(),
		RateLimitMax:     g.cfg.RateLimit.MaxRequests,
		RateLimitWindow:  g.cfg.RateLimit.Window.String(),
		PolicyEnabled:    g.cfg.Policy.Enabled,
		PolicyFailClosed: g.cfg.Policy.FailClosed,
		NodeAllowlist:    g.cfg.Nodes.Allowlist,
		AuditPath:        g.cfg.Audit.Path,
	}, nil
}

// ApprovalRequestParams describes one gated exec action.
type ApprovalRequestParams struct {
	ID           string `json:"id,omitempty"`
	Command      string `json:"command" validate:"required"`
	WorkingDir   string `json:"workingDir,omitempty"`
	Host         string `json:"host,omitempty"`
	SecurityMode string `json:"securityMode,omitempty"`
	AskPolicy    string `json:"askPolicy,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty" validate:"gte=0"`
}

func (g *Gateway) handleApprovalRequest(ctx context.Context, sess *Session, params any) (any, *Error) {
	p := params.(*ApprovalRequestParams)

	outcome, err := g.approvals.Ask(ctx,
		approval.Request{
			Command:      p.Command,
			WorkingDir:   p.WorkingDir,
			Host:         p.Host,
			SecurityMode: p.SecurityMode,
			AskPolicy:    p.AskPolicy,
			ResolvedPath: p.ResolvedPath,
			SessionKey:   p.SessionKey,
			AgentID:      p.AgentID,
		},
		p.ID,
		time.Duration(p.TimeoutMs)*time.Millisecond,
		approval.Attribution{
			ConnID:   sess.Conn.ID,
			DeviceID: sess.Conn.DeviceID,
			ClientID: sess.Conn.ClientID,
		},
	)
	if err != nil {
		if errors.Is(err, approval.ErrLockdown) {
			return nil, newError(CodeLockdown, "policy lockdown is active; exec requests are denied")
		}
		return nil, newError(CodeInternal, err.Error())
	}
	return outcome, nil
}

// ApprovalResolveParams settles a pending approval.
type ApprovalResolveParams struct {
	ID       string `json:"id" validate:"required"`
	Decision string `json:"decision" validate:"required,oneof=allow-once allow-always deny"`
	Reason   string `json:"reason,omitempty"`
}

func (g *Gateway) handleApprovalResolve(_ context.Context, sess *Session, params any) (any, *Error) {
	p := params.(*ApprovalResolveParams)

	resolvedBy := sess.Conn.ClientID
	if resolvedBy == "" {
		resolvedBy = sess.Conn.DeviceID
	}
	if resolvedBy == "" {
		resolvedBy = sess.Conn.ID
	}

	if !g.approvals.Resolve(p.ID, approval.Decision(p.Decision), resolvedBy) {
		return nil, newError(CodeNotFound, "approval is not pending: "+p.ID)
	}
	return map[string]any{"id": p.ID, "decision": p.Decision}, nil
}

// NodeInvokeParams requests execution of a command on a paired node.
type NodeInvokeParams struct {
	DeviceID string `json:"deviceId" validate:"required"`
	Command  string `json:"command" validate:"required"`
	OS       string `json:"os,omitempty"`
}

// NodeInvokeResult reports the policy decision for a node command.
type NodeInvokeResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (g *Gateway) handleNodeInvoke(ctx context.Context, sess *Session, params any) (any, *Error) {
	p := params.(*NodeInvokeParams)

	declared, err := g.nodes.DeclaredCommands(ctx, p.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil, newError(CodeNotFound, "node is not paired: "+p.DeviceID)
		}
		return nil, newError(CodeInternal, err.Error())
	}

	check := nodecmd.IsAllowed(p.Command, declared, g.cfg.Nodes.Allowlist)
	res := NodeInvokeResult{Allowed: check.OK, Reason: check.Reason}
	if !check.OK && p.OS != "" {
		res.Hint = nodecmd.Hint(p.Command, p.OS)
	}

	if g.auditor != nil {
		if _, err := g.auditor.Append(audit.TypeNodeInvoke, map[string]any{
			"deviceId": p.DeviceID,
			"command":  p.Command,
			"allowed":  check.OK,
			"reason":   check.Reason,
			"connId":   sess.Conn.ID,
		}, time.Now().UTC()); err != nil {
			g.logger.Error("failed to audit node invoke", "device_id", p.DeviceID, "error", err)
		}
	}
	return res, nil
}

func (g *Gateway) handleAuditVerify(_ context.Context, _ *Session, _ any) (any, *Error) {
	result := audit.Verify(g.auditor.Path())
	switch {
	case result.OK:
		return result, nil
	case result.ReadError:
		// An unreadable log is an operational problem, not tamper evidence.
		return nil, newError(CodeUnavailable, result.Error)
	default:
		return nil, newError(CodeTamperDetected, result.Error)
	}
}
