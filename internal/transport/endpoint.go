// Package transport carries JSON-RPC traffic over stdio, HTTP, and
// WebSocket, normalizing every request into a dispatcher call.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/cache"
	"github.com/contextd/contextd/internal/mcp"
	"github.com/contextd/contextd/internal/metrics"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2024-11-05"

// ServerInfo identifies the server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Endpoint routes decoded JSON-RPC requests. All transports share one
// endpoint so behavior is uniform.
type Endpoint struct {
	dispatcher *mcp.Dispatcher
	cache      *cache.Cache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	info       ServerInfo
}

// NewEndpoint creates the shared endpoint. cache and m may be nil.
func NewEndpoint(dispatcher *mcp.Dispatcher, c *cache.Cache, info ServerInfo, m *metrics.Metrics, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		dispatcher: dispatcher,
		cache:      c,
		metrics:    m,
		logger:     logger,
		info:       info,
	}
}

// HandleRaw parses one raw JSON-RPC request and returns the encoded
// response. Parse failures yield -32700, structural failures -32600.
func (e *Endpoint) HandleRaw(ctx context.Context, raw []byte, principal string) []byte {
	var req mcp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustEncode(mcp.NewErrorResponse(nil, mcp.CodeParseError, "parse error"))
	}
	return mustEncode(e.Handle(ctx, &req, principal))
}

// Handle routes one decoded request. The methods the endpoint serves
// itself count against the request metrics here; tools/call is counted
// by the dispatcher when the invocation finishes.
func (e *Endpoint) Handle(ctx context.Context, req *mcp.Request, principal string) *mcp.Response {
	if !req.Valid() {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "invalid request")
	}
	start := time.Now()

	switch req.Method {
	case "initialize":
		e.observe(start, true)
		return mcp.NewResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      e.info,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		})

	case "tools/list":
		e.observe(start, true)
		return mcp.NewResponse(req.ID, map[string]any{
			"tools": e.toolCatalog(ctx),
		})

	case "tools/call":
		var params mcp.CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "invalid tools/call params")
		}
		result, callErr := e.dispatcher.Call(ctx, params.Name, params.Arguments, principal)
		if callErr != nil {
			return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: callErr}
		}
		return mcp.NewResponse(req.ID, result)

	default:
		e.observe(start, false)
		return mcp.NewErrorResponse(req.ID, mcp.CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (e *Endpoint) observe(start time.Time, success bool) {
	if e.metrics != nil {
		e.metrics.ObserveRequest(time.Since(start), success)
	}
}

// toolCatalog serves tools/list through the cache so repeated listings
// skip registry serialization.
func (e *Endpoint) toolCatalog(ctx context.Context) json.RawMessage {
	list := func(context.Context) (string, error) {
		encoded, err := json.Marshal(e.dispatcher.Registry().List())
		return string(encoded), err
	}
	if e.cache == nil {
		encoded, err := list(ctx)
		if err != nil {
			return json.RawMessage("[]")
		}
		return json.RawMessage(encoded)
	}
	encoded, err := e.cache.GetOrCompute(ctx, "tool_catalog", "all", list)
	if err != nil {
		e.logger.Warn("tool catalog cache failed", zap.Error(err))
		return json.RawMessage("[]")
	}
	return json.RawMessage(encoded)
}

func mustEncode(resp *mcp.Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Result types are always encodable; a failure here means a
		// handler returned something exotic.
		fallback, _ := json.Marshal(mcp.NewErrorResponse(resp.ID, mcp.CodeInternalError, "response encoding failed"))
		return fallback
	}
	return out
}
