// Package rpc implements the JSON-RPC 2.0 envelope the agent layer uses to
// reach the memory coordinator, plus a method dispatcher shared by the HTTP
// and WebSocket transports.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one incoming call. ID correlates the response; a nil ID marks
// a notification that expects no reply.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// Response is the reply envelope.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  any              `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Caller identifies the authenticated agent issuing a request. It travels
// on the context so handlers can scope side effects to the caller.
type Caller struct {
	AgentID   string
	AgentType string
}

type callerKey struct{}

// WithCaller attaches the caller identity to a context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller identity, if the transport attached one.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Handler executes one method. Params arrive as raw JSON; the handler owns
// decoding and validation, returning CodeInvalidParams on malformed input.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[RPC] ", log.LstdFlags)
	}
	return &Dispatcher{logger: logger, handlers: make(map[string]Handler)}
}

// Register binds a method name to its handler. Re-registering replaces the
// previous handler.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods lists the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch executes one request and builds its response envelope. Handler
// panics become internal errors rather than taking the transport down.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	resp = Response{JSONRPC: "2.0", ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("panic in method %s: %v", req.Method, r)
			resp.Result = nil
			resp.Error = Errorf(CodeInternalError, "internal error")
		}
	}()

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		resp.Error = Errorf(CodeInvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC)
		return resp
	}
	if req.Method == "" {
		resp.Error = Errorf(CodeInvalidRequest, "method required")
		return resp
	}

	d.mu.RLock()
	handler, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		resp.Error = Errorf(CodeMethodNotFound, "method %q not found", req.Method)
		return resp
	}

	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

// DispatchRaw decodes one JSON payload, dispatches it and encodes the
// response. Malformed JSON yields a parse-error envelope with a null id.
func (d *Dispatcher) DispatchRaw(ctx context.Context, payload []byte) []byte {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		out, _ := json.Marshal(Response{
			JSONRPC: "2.0",
			Error:   Errorf(CodeParseError, "parse error: %v", err),
		})
		return out
	}
	resp := d.Dispatch(ctx, req)
	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Printf("marshal response for %s: %v", req.Method, err)
		out, _ = json.Marshal(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   Errorf(CodeInternalError, "unencodable result"),
		})
	}
	return out
}

// DecodeParams unmarshals params into dst, mapping failures onto the
// invalid-params error code.
func DecodeParams(params json.RawMessage, dst any) *Error {
	if len(params) == 0 {
		return Errorf(CodeInvalidParams, "params required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
