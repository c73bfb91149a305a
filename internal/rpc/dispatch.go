// ABOUTME: Method table and dispatch loop enforcing scopes and validating params
// ABOUTME: Transport-agnostic so handlers are testable without a live websocket

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/scope"
)

// Session is the dispatch-time view of one live connection.
type Session struct {
	Conn       *registry.Connection
	RemoteAddr string
}

// Handler executes one method call. The params value is the populated
// struct produced by the method's Params factory, or nil for methods
// without params.
type Handler func(ctx context.Context, sess *Session, params any) (any, *Error)

// Method is one entry in the dispatch table.
type Method struct {
	Name string

	// Scope is the capability required to call the method. Empty means any
	// connection may call it.
	Scope string

	// Params returns a fresh pointer to the method's params struct. Nil for
	// methods that take no params.
	Params func() any

	Handle Handler
}

// Dispatcher routes requests to registered methods. Scope enforcement and
// params validation happen here so handlers only see well-formed input.
type Dispatcher struct {
	methods  map[string]Method
	validate *validator.Validate
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		methods:  make(map[string]Method),
		validate: validator.New(),
		logger:   logger.With("component", "rpc"),
	}
}

// Register adds a method to the table. Re-registering a name replaces the
// earlier entry.
func (d *Dispatcher) Register(m Method) {
	d.methods[m.Name] = m
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch executes one request for a session and shapes the response.
// Unknown methods, missing scopes, and malformed params never reach a
// handler.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, req Request) Response {
	m, found := d.methods[req.Method]
	if !found {
		return fail(req.ID, newError(CodeNotFound, "unknown method: "+req.Method))
	}

	if !scope.Satisfies(sess.Conn.Scopes, m.Scope) {
		d.logger.Warn("method denied",
			"method", req.Method,
			"required_scope", m.Scope,
			"conn_id", sess.Conn.ID,
		)
		return fail(req.ID, newError(CodeMissingScope, "method requires scope "+m.Scope))
	}

	var params any
	if m.Params != nil {
		params = m.Params()
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, params); err != nil {
				return fail(req.ID, newError(CodeValidationFailed, "malformed params: "+err.Error()))
			}
		}
		if err := d.validate.Struct(params); err != nil {
			return fail(req.ID, newError(CodeValidationFailed, err.Error()))
		}
	}

	payload, herr := m.Handle(ctx, sess, params)
	if herr != nil {
		return fail(req.ID, herr)
	}
	return ok(req.ID, payload)
}
