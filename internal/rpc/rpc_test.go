package rpc

import (
	"context"
	"encoding/json"
	"testing"
)

func rawID(t *testing.T, v string) *json.RawMessage {
	t.Helper()
	raw := json.RawMessage(v)
	return &raw
}

func TestDispatchRoutesAndCorrelates(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("echo", func(_ context.Context, params json.RawMessage) (any, *Error) {
		var in map[string]any
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return in, nil
	})

	resp := d.Dispatch(context.Background(), Request{
		JSONRPC: "2.0",
		Method:  "echo",
		Params:  json.RawMessage(`{"k":"v"}`),
		ID:      rawID(t, `42`),
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(*resp.ID) != "42" {
		t.Fatalf("response id %s does not match request", string(*resp.ID))
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["k"] != "v" {
		t.Fatalf("unexpected result: %v", resp.Result)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := NewDispatcher(nil)
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "nope"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %v", resp.Error)
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("strict", func(_ context.Context, params json.RawMessage) (any, *Error) {
		var in struct {
			N int `json:"n"`
		}
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return in.N, nil
	})
	resp := d.Dispatch(context.Background(), Request{
		JSONRPC: "2.0", Method: "strict", Params: json.RawMessage(`{"n":"not a number"}`),
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid-params, got %v", resp.Error)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("boom", func(_ context.Context, _ json.RawMessage) (any, *Error) {
		panic("handler bug")
	})
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "boom"})
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected internal error, got %v", resp.Error)
	}
}

func TestDispatchRawParseError(t *testing.T) {
	d := NewDispatcher(nil)
	out := d.DispatchRaw(context.Background(), []byte(`{not json`))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error, got %v", resp.Error)
	}
}

func TestDispatchRejectsWrongVersion(t *testing.T) {
	d := NewDispatcher(nil)
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "1.0", Method: "x"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %v", resp.Error)
	}
}

func TestCallerContext(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{AgentID: "agent-1", AgentType: "engagement"})
	c, ok := CallerFrom(ctx)
	if !ok || c.AgentID != "agent-1" || c.AgentType != "engagement" {
		t.Fatalf("unexpected caller: %+v ok=%v", c, ok)
	}
	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatal("expected no caller on fresh context")
	}
}
