// ABOUTME: Dispatch-level tests for scope enforcement, validation, and method behavior
// ABOUTME: Exercises handlers through the dispatcher without a live websocket

package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ward-gateway/internal/approval"
	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/auth"
	"github.com/2389/ward-gateway/internal/config"
	"github.com/2389/ward-gateway/internal/policy"
	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/scope"
	"github.com/2389/ward-gateway/internal/store"
)

// fakeNodes is an in-memory NodeStore.
type fakeNodes struct {
	declared map[string][]string
}

func (f *fakeNodes) DeclaredCommands(_ context.Context, deviceID string) ([]string, error) {
	cmds, ok := f.declared[deviceID]
	if !ok {
		return nil, store.ErrNodeNotFound
	}
	return cmds, nil
}

func (f *fakeNodes) TouchNode(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type fixture struct {
	gateway    *Gateway
	dispatcher *Dispatcher
	registry   *registry.Registry
	approvals  *approval.Manager
	auditPath  string
	nodes      *fakeNodes
}

type fixtureOpts struct {
	policyCfg *policy.Config
	authOn    bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	auditPath := filepath.Join(t.TempDir(), "audit.ndjson")
	log, err := audit.Open(auditPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	polCfg := policy.Config{Enabled: false}
	if opts.policyCfg != nil {
		polCfg = *opts.policyCfg
	}
	pol := policy.NewManager(polCfg, nil)
	pol.Load()

	reg := registry.New(nil)
	approvals := approval.NewManager(reg, reg, log, pol, approval.MinTimeout, nil)

	nodes := &fakeNodes{declared: map[string][]string{
		"dev-1": {"x", "system.reboot"},
	}}

	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:8787"},
		Auth:      config.AuthConfig{JWTSecret: "super-secret", Disabled: !opts.authOn},
		Approvals: config.ApprovalsConfig{Timeout: 30 * time.Second},
		RateLimit: config.RateLimitConfig{MaxRequests: 60, Window: time.Minute},
		Nodes:     config.NodesConfig{Allowlist: []string{"x", "system.*"}},
		Audit:     config.AuditConfig{Path: auditPath},
	}

	var tokens auth.TokenVerifier
	if opts.authOn {
		tokens = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	authenticator := auth.NewAuthenticator(tokens, nil, cfg.Auth.Disabled, nil)

	gw, d := NewGateway(cfg, reg, approvals, pol, nodes, log, authenticator, nil)
	return &fixture{
		gateway:    gw,
		dispatcher: d,
		registry:   reg,
		approvals:  approvals,
		auditPath:  auditPath,
		nodes:      nodes,
	}
}

// session builds an unregistered session holding the given scopes.
func session(requested ...string) *Session {
	conn := registry.NewConnection(scope.Normalize(requested), "", "client-1", nil)
	return &Session{Conn: conn, RemoteAddr: "192.0.2.1:9999"}
}

func dispatch(f *fixture, sess *Session, method string, params string) Response {
	req := Request{ID: "req-1", Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return f.dispatcher.Dispatch(context.Background(), sess, req)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := dispatch(f, session(), "no.such.method", "")
	require.False(t, resp.OK)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.Equal(t, "req-1", resp.ID)
}

func TestDispatch_EmptyScopeListCannotCallAdminMethods(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session() // normalizes to operator.read only

	for _, method := range []string{"config.get", "audit.verify", "node.invoke"} {
		resp := dispatch(f, sess, method, `{"deviceId":"dev-1","command":"x"}`)
		require.False(t, resp.OK, method)
		assert.Equal(t, CodeMissingScope, resp.Error.Code, method)
	}
}

func TestDispatch_HealthNeedsNoScope(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := dispatch(f, session(), "health", "")
	require.True(t, resp.OK)

	health := resp.Payload.(HealthResult)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Lockdown)
}

func TestDispatch_ValidationFailed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session(scope.Approvals)

	resp := dispatch(f, sess, "exec.approval.resolve", `{"decision":"allow-once"}`)
	require.False(t, resp.OK)
	assert.Equal(t, CodeValidationFailed, resp.Error.Code)

	resp = dispatch(f, sess, "exec.approval.resolve", `{"id":"a","decision":"maybe"}`)
	require.False(t, resp.OK)
	assert.Equal(t, CodeValidationFailed, resp.Error.Code)

	resp = dispatch(f, sess, "exec.approval.resolve", `{"id":`)
	require.False(t, resp.OK)
	assert.Equal(t, CodeValidationFailed, resp.Error.Code)
}

func TestConfigGet_RedactsSecrets(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := dispatch(f, session(scope.Admin), "config.get", "")
	require.True(t, resp.OK)

	view := resp.Payload.(ConfigView)
	assert.Equal(t, "127.0.0.1:8787", view.ListenAddr)
	assert.Equal(t, []string{"x", "system.*"}, view.NodeAllowlist)

	// The secret must be structurally absent from the wire shape.
	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")
}

func TestApprovalRequest_AutoExpiresWithoutApprovers(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session(scope.ExecRequest)

	resp := dispatch(f, sess, "exec.approval.request", `{"command":"rm -rf /tmp/scratch"}`)
	require.True(t, resp.OK)

	outcome := resp.Payload.(approval.Outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, approval.DecisionExpired, outcome.Decision)
	assert.Contains(t, outcome.Reason, scope.Approvals)
}

func TestApprovalRequestAndResolve_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	approver := registry.NewConnection(scope.Normalize([]string{scope.Approvals}), "", "operator-1", nil)
	require.NoError(t, f.registry.Register(approver))
	defer f.registry.Unregister(approver.ID)

	requester := session(scope.ExecRequest)
	done := make(chan Response, 1)
	go func() {
		done <- dispatch(f, requester, "exec.approval.request",
			`{"id":"apr-1","command":"kubectl delete pod web-0"}`)
	}()

	// The broadcast reaches the approver connection before resolution.
	select {
	case ev := <-approver.Events():
		assert.Equal(t, approval.EventRequested, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("approval broadcast not delivered")
	}

	approverSess := &Session{Conn: approver, RemoteAddr: "192.0.2.2:9999"}
	resolveResp := dispatch(f, approverSess, "exec.approval.resolve",
		`{"id":"apr-1","decision":"allow-once"}`)
	require.True(t, resolveResp.OK)

	select {
	case resp := <-done:
		require.True(t, resp.OK)
		outcome := resp.Payload.(approval.Outcome)
		assert.True(t, outcome.Approved)
		assert.Equal(t, approval.DecisionAllowOnce, outcome.Decision)
	case <-time.After(2 * time.Second):
		t.Fatal("requester did not observe the resolution")
	}

	// Settling is exactly-once: a second resolve finds nothing pending.
	resolveResp = dispatch(f, approverSess, "exec.approval.resolve",
		`{"id":"apr-1","decision":"deny"}`)
	require.False(t, resolveResp.OK)
	assert.Equal(t, CodeNotFound, resolveResp.Error.Code)
}

func TestApprovalRequest_Lockdown(t *testing.T) {
	f := newFixture(t, fixtureOpts{policyCfg: &policy.Config{
		Enabled:       true,
		FailClosed:    true,
		PayloadPath:   "/nonexistent/policy.json",
		SignaturePath: "/nonexistent/policy.sig",
		PublicKeyPath: "/nonexistent/policy.pub",
	}})
	sess := session(scope.ExecRequest)

	resp := dispatch(f, sess, "exec.approval.request", `{"command":"anything"}`)
	require.False(t, resp.OK)
	assert.Equal(t, CodeLockdown, resp.Error.Code)
}

func TestNodeInvoke(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session(scope.Admin)

	resp := dispatch(f, sess, "node.invoke", `{"deviceId":"dev-1","command":"x"}`)
	require.True(t, resp.OK)
	res := resp.Payload.(NodeInvokeResult)
	assert.True(t, res.Allowed)

	resp = dispatch(f, sess, "node.invoke",
		`{"deviceId":"dev-1","command":"screen.capture","os":"linux"}`)
	require.True(t, resp.OK)
	res = resp.Payload.(NodeInvokeResult)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Hint)

	resp = dispatch(f, sess, "node.invoke", `{"deviceId":"ghost","command":"x"}`)
	require.False(t, resp.OK)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestAuditVerify(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session(scope.Admin)

	// Produce some chained entries via the auto-expire path.
	reqSess := session(scope.ExecRequest)
	for range 3 {
		resp := dispatch(f, reqSess, "exec.approval.request", `{"command":"x"}`)
		require.True(t, resp.OK)
	}

	resp := dispatch(f, sess, "audit.verify", "")
	require.True(t, resp.OK)
	result := resp.Payload.(audit.VerifyResult)
	assert.Equal(t, 3, result.Count)

	// Tamper with the middle entry and verify again.
	data, err := os.ReadFile(f.auditPath)
	require.NoError(t, err)
	tampered := append([]byte(nil), data...)
	mutated := false
	for i, b := range tampered {
		if b == 'x' {
			tampered[i] = 'y'
			mutated = true
			break
		}
	}
	require.True(t, mutated)
	require.NoError(t, os.WriteFile(f.auditPath, tampered, 0o600))

	resp = dispatch(f, sess, "audit.verify", "")
	require.False(t, resp.OK)
	assert.Equal(t, CodeTamperDetected, resp.Error.Code)
}

func TestAuditVerify_UnreadableLogIsUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sess := session(scope.Admin)

	// Swap the log path for a directory so reading fails outright.
	require.NoError(t, os.Remove(f.auditPath))
	require.NoError(t, os.Mkdir(f.auditPath, 0o755))

	resp := dispatch(f, sess, "audit.verify", "")
	require.False(t, resp.OK)
	assert.Equal(t, CodeUnavailable, resp.Error.Code)
}

func TestConnect_ScopesNormalized(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	conn, cerr := f.gateway.Connect(ConnectParams{
		Scopes: []string{scope.Admin, "bogus.scope", scope.Admin},
	}, "192.0.2.1:9999")
	require.Nil(t, cerr)
	defer f.registry.Unregister(conn.ID)

	assert.Equal(t, []string{scope.Admin, scope.Read}, conn.Scopes)
	assert.Equal(t, 1, f.registry.Count())
}

func TestConnect_RequiresCredentialsWhenAuthEnabled(t *testing.T) {
	f := newFixture(t, fixtureOpts{authOn: true})

	_, cerr := f.gateway.Connect(ConnectParams{}, "192.0.2.1:9999")
	require.NotNil(t, cerr)
	assert.Equal(t, CodeUnauthenticated, cerr.Code)
}

func TestConnect_ValidToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{authOn: true})

	verifier := auth.NewJWTVerifier([]byte("super-secret"))
	token, err := verifier.Generate("client-42", time.Hour)
	require.NoError(t, err)

	conn, cerr := f.gateway.Connect(ConnectParams{
		Token:  token,
		Scopes: []string{scope.Approvals},
	}, "192.0.2.1:9999")
	require.Nil(t, cerr)
	defer f.registry.Unregister(conn.ID)

	assert.Equal(t, "client-42", conn.ClientID)
	assert.True(t, conn.HasScope(scope.Approvals))
	assert.False(t, conn.HasScope(scope.Admin))
}
