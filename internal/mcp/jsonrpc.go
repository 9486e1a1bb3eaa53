// Package mcp defines the JSON-RPC 2.0 wire envelope the gateway proxies.
//
// Standard method names and error codes come from mark3labs/mcp-go so the
// gateway speaks the same dialect as the backends it fronts. The envelope
// itself is local: a proxy must round-trip params and results untouched,
// so both are kept as raw JSON.
package mcp

import (
	"encoding/json"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Methods the gateway treats specially.
const (
	MethodInitialize = string(mcpgo.MethodInitialize)
	MethodPing       = string(mcpgo.MethodPing)
	MethodToolsList  = string(mcpgo.MethodToolsList)
	MethodToolsCall  = string(mcpgo.MethodToolsCall)

	// MethodToolsCallBatch is a gateway extension: multiple tool calls in
	// one round trip, metered independently.
	MethodToolsCallBatch = "tools/call_batch"
)

// Standard JSON-RPC error codes (from the MCP SDK).
const (
	CodeParseError     = mcpgo.PARSE_ERROR
	CodeInvalidRequest = mcpgo.INVALID_REQUEST
	CodeMethodNotFound = mcpgo.METHOD_NOT_FOUND
	CodeInvalidParams  = mcpgo.INVALID_PARAMS
	CodeInternalError  = mcpgo.INTERNAL_ERROR
)

// Gateway admission error codes.
const (
	CodeRateLimited     = -32001
	CodeQuotaExceeded   = -32002
	CodePolicyDenied    = -32003 // ACL / IP / suspension / expiry / invalid key / budget
	CodePaymentRequired = -32402 // insufficient credits
)

// Request is a JSON-RPC 2.0 request. ID is raw so numeric and string ids
// round-trip byte-for-byte to the backend and back.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// CallToolParams is the params shape of a tools/call request. Arguments stay
// raw: the gateway prices them by size and forwards them untouched.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// BatchParams is the params shape of a tools/call_batch request.
type BatchParams struct {
	Calls []CallToolParams `json:"calls"`
}

// BatchResult aggregates per-sub-call outcomes.
type BatchResult struct {
	Results             []BatchItem `json:"results"`
	TotalCreditsCharged int64       `json:"totalCreditsCharged"`
}

// BatchItem is the outcome of one sub-call within a batch.
type BatchItem struct {
	Tool           string          `json:"tool"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	CreditsCharged int64           `json:"creditsCharged"`
}

// PaymentRequiredData is the data payload of a -32402 error.
type PaymentRequiredData struct {
	Tool             string                 `json:"tool"`
	CreditsNeeded    int64                  `json:"creditsNeeded"`
	CreditsAvailable int64                  `json:"creditsAvailable"`
	Pricing          map[string]interface{} `json:"pricing,omitempty"`
	TopUpEndpoint    string                 `json:"topUpEndpoint"`
	BalanceEndpoint  string                 `json:"balanceEndpoint"`
	PricingEndpoint  string                 `json:"pricingEndpoint"`
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewResultResponse marshals result and builds a success response.
// Marshal failures surface as an internal error response.
func NewResultResponse(id json.RawMessage, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "failed to encode result", nil)
	}
	return NewResponse(id, raw)
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// normalizeID maps a missing id to JSON null so error responses to malformed
// requests are still valid JSON-RPC.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
