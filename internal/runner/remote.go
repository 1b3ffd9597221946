package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/types"
)

// maxRemoteBody bounds a remote response.
const maxRemoteBody = 64 << 20

var rpcID atomic.Int64

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// runRemote POSTs named inputs to the endpoint. With the default jsonrpc
// encoding the body is a JSON-RPC 2.0 request carrying named params; with
// json encoding the body is the params object itself.
func (r *Runner) runRemote(ctx context.Context, step *compiler.Step, args []Arg) (raw, error) {
	b := step.Binding
	params := make(map[string]any, len(args))
	for _, a := range args {
		params[a.Name] = wireValue(a.Value)
	}

	var body any = params
	rpc := b.Encoding == "" || b.Encoding == "jsonrpc"
	if rpc {
		body = rpcRequest{JSONRPC: "2.0", ID: rpcID.Add(1), Method: b.Method, Params: params}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(payload))
	if err != nil {
		return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Gridflow-Step", step.ID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return raw{}, ctxError(step.ID, ctx, 0)
		}
		return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: fmt.Sprintf("call %s", b.URL), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		if ctx.Err() != nil {
			return raw{}, ctxError(step.ID, ctx, 0)
		}
		return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: "read response", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return raw{}, &RunError{
			Kind:    KindRemote,
			Step:    step.ID,
			Message: fmt.Sprintf("%s returned %s", b.URL, resp.Status),
			Trace:   string(data),
		}
	}

	result := data
	if rpc {
		var rr rpcResponse
		if err := json.Unmarshal(data, &rr); err != nil {
			return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: "decode JSON-RPC response", Err: err, Trace: string(data)}
		}
		if rr.Error != nil {
			return raw{}, &RunError{
				Kind:    KindRemote,
				Step:    step.ID,
				Message: fmt.Sprintf("fault %d: %s", rr.Error.Code, rr.Error.Message),
				Trace:   string(rr.Error.Data),
			}
		}
		result = rr.Result
	}

	v, err := types.DecodeJSONValue(result)
	if err != nil {
		return raw{}, &RunError{Kind: KindRemote, Step: step.ID, Message: "decode result", Err: err, Trace: string(result)}
	}
	return raw{values: mapResult(step, v)}, nil
}

// mapResult assigns a decoded result to declared outputs. An object holding
// any declared output name is taken as keyed by name; anything else is the
// value of a sole output.
func mapResult(step *compiler.Step, v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		for _, o := range step.Outputs {
			if _, hit := m[o.Name]; hit {
				return m
			}
		}
	}
	if len(step.Outputs) == 1 {
		return map[string]any{step.Outputs[0].Name: v}
	}
	return map[string]any{}
}

// wireValue renders file values as their path for transport.
func wireValue(v any) any {
	switch val := types.Normalize(v).(type) {
	case types.File:
		return val.Path
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = wireValue(e)
		}
		return out
	default:
		return val
	}
}
