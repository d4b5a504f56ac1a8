// Package jsonrpc frames JSON-RPC 2.0 traffic over HTTP and WebSocket and
// hands every call to the middleware pipeline.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"rpcguard/gateway/pipeline"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultMaxBatchSize = 100
	batchConcurrency    = 8
)

// Handler is the pipeline entry point the transport calls once per request.
type Handler interface {
	Serve(ctx context.Context, req pipeline.Request, rc *pipeline.Context) (json.RawMessage, error)
}

type Options struct {
	MaxBodyBytes int64
	MaxBatchSize int
	Logger       *slog.Logger
}

type Server struct {
	handler      Handler
	maxBodyBytes int64
	maxBatchSize int
	logger       *slog.Logger
}

func NewServer(handler Handler, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		handler:      handler,
		maxBodyBytes: opts.MaxBodyBytes,
		maxBatchSize: opts.MaxBatchSize,
		logger:       opts.Logger.With("component", "jsonrpc"),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *pipeline.Error `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: pipeline.NewError(code, msg)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, pipeline.CodeParseError, fmt.Sprintf("read body: %v", err)))
		return
	}
	if int64(len(body)) > s.maxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, pipeline.CodeInvalidRequest, "request body too large"))
		return
	}
	out, ok := s.Process(r.Context(), body)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// Process handles one framed payload, a single call or a batch, and returns
// the encoded reply. ok is false when every call was a notification.
func (s *Server) Process(ctx context.Context, payload []byte) (out []byte, ok bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return mustEncode(errorResponse(nil, pipeline.CodeInvalidRequest, "empty request body")), true
	}
	if trimmed[0] != '[' {
		var req rpcRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return mustEncode(errorResponse(nil, pipeline.CodeParseError, "parse error")), true
		}
		resp, reply := s.handleSingle(ctx, req)
		if !reply {
			return nil, false
		}
		return mustEncode(resp), true
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return mustEncode(errorResponse(nil, pipeline.CodeParseError, "parse error")), true
	}
	if len(batch) == 0 {
		return mustEncode(errorResponse(nil, pipeline.CodeInvalidRequest, "empty batch")), true
	}
	if len(batch) > s.maxBatchSize {
		return mustEncode(errorResponse(nil, pipeline.CodeInvalidRequest, fmt.Sprintf("batch exceeds %d requests", s.maxBatchSize))), true
	}

	responses := make([]*rpcResponse, len(batch))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, item := range batch {
		g.Go(func() error {
			var req rpcRequest
			if err := json.Unmarshal(item, &req); err != nil {
				resp := errorResponse(nil, pipeline.CodeInvalidRequest, "invalid request")
				responses[i] = &resp
				return nil
			}
			if resp, reply := s.handleSingle(ctx, req); reply {
				responses[i] = &resp
			}
			return nil
		})
	}
	_ = g.Wait()

	replies := make([]rpcResponse, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			replies = append(replies, *resp)
		}
	}
	if len(replies) == 0 {
		return nil, false
	}
	return mustEncode(replies), true
}

// handleSingle runs one call. reply is false for notifications.
func (s *Server) handleSingle(ctx context.Context, req rpcRequest) (resp rpcResponse, reply bool) {
	reply = len(req.ID) > 0
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, pipeline.CodeInvalidRequest, "invalid request"), true
	}
	params, err := decodeParams(req.Params)
	if err != nil {
		return errorResponse(req.ID, pipeline.CodeInvalidParams, err.Error()), reply
	}
	rc := pipeline.NewContext()
	result, err := s.handler.Serve(ctx, pipeline.Request{ID: req.ID, Method: req.Method, Params: params}, rc)
	if err != nil {
		rpcErr := pipeline.AsError(err)
		if rpcErr.Code == pipeline.CodeInternalError {
			s.logger.Error("rpc call failed", "method", req.Method, "requestId", rc.ID, "error", err)
		}
		resp = rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	} else {
		if len(result) == 0 {
			result = nullID
		}
		resp = rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}
	if len(resp.ID) == 0 {
		resp.ID = nullID
	}
	return resp, reply
}

func decodeParams(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("params must be an array")
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params: %v", err)
	}
	return params, nil
}

func mustEncode(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		out, _ = json.Marshal(errorResponse(nil, pipeline.CodeInternalError, "encode response"))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
