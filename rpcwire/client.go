package rpcwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client calls a Mux-backed endpoint over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client using http.DefaultClient's timeout posture
// unless the caller overrides HTTP directly.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

// Call invokes method with params and decodes the result into out (may be
// nil for methods with no meaningful return). The request carries no id.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpcwire: marshal params: %w", err)
		}
		rawParams = encoded
	}

	reqBody, err := json.Marshal(Request{Jsonrpc: Version, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("rpcwire: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpcwire: %w: %v", ErrRPCTransport, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpcwire: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.AsError()
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
