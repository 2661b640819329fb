// Package mcp implements the client side of the Model Context Protocol: an
// HTTP transport and a stdio subprocess transport, both satisfying
// chatcore.Transport for the Tool Registry.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	chatcore "github.com/chatcore/chatcore"
)

// Client is a Transport that speaks MCP JSON-RPC 2.0 over a single HTTP
// endpoint. Every call is a standalone POST; no session or SSE stream is
// kept open between calls.
type Client struct {
	url    string
	client *http.Client
	nextID atomic.Int64
}

// NewClient creates an HTTP transport bound to an MCP server's JSON-RPC URL.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: url, client: httpClient}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		raw = encoded
	}

	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: request %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("mcp: server error %d: %s", out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

// ListTools issues tools/list and returns each advertised tool's raw shape.
func (c *Client) ListTools(ctx context.Context) ([]chatcore.RawToolInfo, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []chatcore.RawToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal tools/list: %w", err)
	}
	return parsed.Tools, nil
}

// toolCallResult mirrors the MCP tools/call response content convention: an
// array of typed content blocks, normally {type:"text",text}.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool issues tools/call for name with args, normalizing the result's
// content blocks into a single text string.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: args}

	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", false, err
	}

	var parsed toolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return string(result), false, nil
	}
	if len(parsed.Content) == 0 {
		return string(result), parsed.IsError, nil
	}
	content := parsed.Content[0].Text
	for _, block := range parsed.Content[1:] {
		content += block.Text
	}
	return content, parsed.IsError, nil
}

var _ chatcore.Transport = (*Client)(nil)
