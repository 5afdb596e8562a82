// ABOUTME: Thread-safe registry mapping module ids to handlers on the executing side of a stream.
// ABOUTME: Handle runs requests on a bounded pool and always answers with a response envelope.

package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/minion-gateway/internal/future"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// ErrAlreadyBound indicates a handler is already bound to the module id.
var ErrAlreadyBound = errors.New("module already bound")

// ErrEmptyModuleID indicates Bind was called without a module id.
var ErrEmptyModuleID = errors.New("module id is required")

// ErrNilHandler indicates Bind was called without a handler.
var ErrNilHandler = errors.New("handler is required")

// Source is the identity stamped on responses. Empty fields fall back to the request's.
type Source struct {
	SystemID string
	Location string
}

// Config wires a Registry.
type Config struct {
	Source Source
	// Executor runs handlers. Submit must not block; a rejected task is answered with a
	// backpressure error. Nil runs every handler on its own goroutine.
	Executor future.Executor
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry holds the module handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	source Source
	exec   future.Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		handlers: make(map[string]Handler),
		source:   cfg.Source,
		exec:     cfg.Executor,
		logger:   logger,
		now:      now,
	}
}

// Bind registers h for moduleID. Binding an id that is already bound is rejected so two
// handlers are never reachable for one module.
func (r *Registry) Bind(moduleID string, h Handler) error {
	if moduleID == "" {
		return ErrEmptyModuleID
	}
	if fn, ok := h.(HandlerFunc); h == nil || ok && fn == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[moduleID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, moduleID)
	}
	r.handlers[moduleID] = h
	r.logger.Debug("module bound", "module_id", moduleID)
	return nil
}

// Unbind removes the handler for moduleID and reports whether one was bound. Requests
// already executing finish normally.
func (r *Registry) Unbind(moduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[moduleID]; !exists {
		return false
	}
	delete(r.handlers, moduleID)
	r.logger.Debug("module unbound", "module_id", moduleID)
	return true
}

// Modules returns the bound module ids, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(moduleID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[moduleID]
	return h, ok
}

// Handle executes req asynchronously. The returned future always completes with a response
// carrying req's rpc id and module id; failures are reported in its Error field.
func (r *Registry) Handle(ctx context.Context, req *pb.RpcRequest) *future.Future[*pb.RpcResponse] {
	resp := r.envelope(req)

	if req.ModuleId == "" {
		return failed(resp, pb.ErrorKindInvalidRequest, "module id is required")
	}

	// The caller has already given up on expired requests; don't spend a worker on them.
	var deadline time.Time
	if req.ExpirationTime > 0 {
		deadline = time.UnixMilli(req.ExpirationTime)
		if r.now().After(deadline) {
			r.logger.Debug("rejecting expired request",
				"rpc_id", req.RpcId,
				"module_id", req.ModuleId,
				"expired_at", deadline,
			)
			return failed(resp, pb.ErrorKindExpired, "request expired before dispatch")
		}
	}

	h, ok := r.lookup(req.ModuleId)
	if !ok {
		return failed(resp, pb.ErrorKindUnknownModule, "no handler bound for module "+req.ModuleId)
	}

	call := &Call{
		RpcID:    req.RpcId,
		SystemID: req.SystemId,
		Location: req.Location,
		ModuleID: req.ModuleId,
		Payload:  req.Payload,
		Deadline: deadline,
	}

	fut := future.New[*pb.RpcResponse](nil)
	task := func() {
		fut.Complete(r.execute(ctx, h, call, resp), nil)
	}

	if r.exec == nil {
		go task()
		return fut
	}
	if err := r.exec.Submit(task); err != nil {
		r.logger.Warn("rejecting request", "rpc_id", req.RpcId, "module_id", req.ModuleId, "error", err)
		return failed(resp, pb.ErrorKindBackpressure, err.Error())
	}
	return fut
}

func (r *Registry) execute(ctx context.Context, h Handler, call *Call, resp *pb.RpcResponse) (out *pb.RpcResponse) {
	if !call.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, call.Deadline)
		defer cancel()
	}

	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("module handler panicked",
				"rpc_id", call.RpcID,
				"module_id", call.ModuleID,
				"panic", fmt.Sprint(rec),
			)
			resp.Payload = nil
			resp.Error = &pb.RpcError{Kind: pb.ErrorKindHandlerFailure, Message: fmt.Sprintf("panic: %v", rec)}
			out = resp
		}
	}()

	payload, err := h.Execute(ctx, call)
	if err != nil {
		r.logger.Debug("module handler failed",
			"rpc_id", call.RpcID,
			"module_id", call.ModuleID,
			"error", err,
		)
		resp.Error = &pb.RpcError{Kind: pb.ErrorKindHandlerFailure, Message: err.Error()}
		return resp
	}

	r.logger.Debug("module handler finished",
		"rpc_id", call.RpcID,
		"module_id", call.ModuleID,
		"duration", r.now().Sub(start),
	)
	resp.Payload = payload
	return resp
}

func (r *Registry) envelope(req *pb.RpcRequest) *pb.RpcResponse {
	resp := &pb.RpcResponse{
		RpcId:    req.RpcId,
		SystemId: r.source.SystemID,
		Location: r.source.Location,
		ModuleId: req.ModuleId,
	}
	if resp.SystemId == "" {
		resp.SystemId = req.SystemId
	}
	if resp.Location == "" {
		resp.Location = req.Location
	}
	return resp
}

func failed(resp *pb.RpcResponse, kind, msg string) *future.Future[*pb.RpcResponse] {
	resp.Error = &pb.RpcError{Kind: kind, Message: msg}
	return future.Completed(resp)
}
