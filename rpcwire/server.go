package rpcwire

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nullspace-msg/sealmsg/internal/logging"
)

// HandlerFunc answers one method call. It unmarshals params itself (the
// caller knows its own param shape) and returns a value that must marshal
// cleanly to JSON, or an error classified by ErrorFromErr.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Mux dispatches JSON-RPC requests over HTTP to a flat method table. Each
// directory/home-server process registers its own methods on its own Mux.
type Mux struct {
	methods map[string]HandlerFunc
}

// NewMux returns an empty dispatch table.
func NewMux() *Mux {
	return &Mux{methods: make(map[string]HandlerFunc)}
}

// Handle registers a method. Re-registering a name overwrites it, which is
// convenient for tests that stub a single method.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.methods[method] = h
}

// ServeHTTP implements http.Handler. One request body is exactly one
// Request; batching is not supported since no substrate client emits it.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.From(r.Context())

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{Jsonrpc: Version, Error: &Error{Code: CodeParseError, Message: err.Error()}})
		return
	}
	if req.Jsonrpc != Version {
		writeResponse(w, Response{Jsonrpc: Version, Id: req.Id, Error: &Error{Code: CodeInvalidRequest, Message: "bad jsonrpc version"}})
		return
	}

	h, ok := m.methods[req.Method]
	if !ok {
		writeResponse(w, Response{Jsonrpc: Version, Id: req.Id, Error: &Error{Code: CodeMethodNotFound, Message: req.Method}})
		return
	}

	result, err := h(r.Context(), req.Params)
	if err != nil {
		log.Debugw("rpc method failed", "method", req.Method, "err", err)
		writeResponse(w, Response{Jsonrpc: Version, Id: req.Id, Error: ErrorFromErr(err)})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, Response{Jsonrpc: Version, Id: req.Id, Error: &Error{Code: CodeInternalError, Message: err.Error()}})
		return
	}
	writeResponse(w, Response{Jsonrpc: Version, Id: req.Id, Result: raw})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// DecodeParams is a small convenience for handlers: unmarshal raw params
// into v, returning a JSON-RPC-flavoured error on failure.
func DecodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
