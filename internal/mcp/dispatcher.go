package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/contextd/contextd/internal/metrics"
)

// ErrShuttingDown refuses new calls during graceful shutdown.
var ErrShuttingDown = errors.New("shutting down")

// Dispatcher validates and routes tool calls, bounds handler
// concurrency, and records every invocation into the ring.
type Dispatcher struct {
	registry       *Registry
	logger         *zap.Logger
	metrics        *metrics.Metrics
	workers        *semaphore.Weighted
	defaultTimeout time.Duration
	ring           invocationRing
	shuttingDown   atomic.Bool
	inFlight       sync.WaitGroup
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Registry       *Registry
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 32
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:       opts.Registry,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		workers:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		defaultTimeout: opts.DefaultTimeout,
	}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// BeginShutdown flips the dispatcher into refuse mode: new calls get
// -32000 "shutting down".
func (d *Dispatcher) BeginShutdown() {
	d.shuttingDown.Store(true)
}

// Drain waits for in-flight handlers up to the grace period.
func (d *Dispatcher) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// RecentInvocations returns the newest n recorded invocations.
func (d *Dispatcher) RecentInvocations(n int) []Invocation {
	return d.ring.last(n)
}

// Call dispatches one tool invocation. The returned *Error maps
// directly into the JSON-RPC response.
func (d *Dispatcher) Call(ctx context.Context, toolName string, args map[string]any, principal string) (any, *Error) {
	if d.shuttingDown.Load() {
		return nil, &Error{Code: CodeServerError, Message: "shutting down"}
	}

	tool, ok := d.registry.Get(toolName)
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown tool: " + toolName}
	}
	if err := tool.InputSchema.Validate(args); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}

	timeout := d.defaultTimeout
	if tool.DefaultTimeoutMS > 0 {
		timeout = time.Duration(tool.DefaultTimeoutMS) * time.Millisecond
	}
	// The effective deadline is the earlier of the client's and the
	// tool's default.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		InvocationID: uuid.NewString(),
		ToolName:     toolName,
		Arguments:    args,
		Principal:    principal,
		Start:        time.Now().UTC(),
	}
	d.inFlight.Add(1)
	defer d.inFlight.Done()

	if err := d.workers.Acquire(callCtx, 1); err != nil {
		inv.End = time.Now().UTC()
		inv.Status = statusFromContext(callCtx)
		inv.ErrorMessage = "worker pool saturated"
		d.finish(inv)
		return nil, timeoutError(inv.Status)
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer d.workers.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool handler panic",
					zap.String("invocation_id", inv.InvocationID),
					zap.String("tool", toolName),
					zap.Any("panic", r),
					zap.Stack("stack"))
				ch <- outcome{err: errors.New("internal handler failure")}
			}
		}()
		result, err := tool.Handler(callCtx, args)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		inv.End = time.Now().UTC()
		if out.err != nil {
			inv.Status = StatusError
			inv.ErrorMessage = out.err.Error()
			d.finish(inv)
			d.logger.Warn("tool invocation failed",
				zap.String("invocation_id", inv.InvocationID),
				zap.String("tool", toolName),
				zap.Error(out.err))
			return nil, &Error{Code: CodeInternalError, Message: out.err.Error()}
		}
		inv.Status = StatusOK
		d.finish(inv)
		d.logger.Info("tool invocation completed",
			zap.String("invocation_id", inv.InvocationID),
			zap.String("tool", toolName),
			zap.Duration("duration", inv.End.Sub(inv.Start)))
		return out.result, nil
	case <-callCtx.Done():
		// The handler goroutine drains into the buffered channel when it
		// eventually returns; its result is discarded.
		inv.End = time.Now().UTC()
		inv.Status = statusFromContext(callCtx)
		inv.ErrorMessage = callCtx.Err().Error()
		d.finish(inv)
		d.logger.Warn("tool invocation did not complete",
			zap.String("invocation_id", inv.InvocationID),
			zap.String("tool", toolName),
			zap.String("status", inv.Status))
		return nil, timeoutError(inv.Status)
	}
}

func statusFromContext(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusCanceled
}

func timeoutError(status string) *Error {
	if status == StatusTimeout {
		return &Error{Code: CodeServerError, Message: "timeout"}
	}
	return &Error{Code: CodeServerError, Message: "canceled"}
}

func (d *Dispatcher) finish(inv Invocation) {
	d.ring.add(inv)
	if d.metrics != nil {
		d.metrics.ObserveRequest(inv.End.Sub(inv.Start), inv.Status == StatusOK)
	}
}
