package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every frame.
const Version = "2.0"

// Request is a server-originated JSON-RPC request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a bike-originated JSON-RPC response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a failed response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a bike-originated JSON-RPC frame without an id. The only notification currently in the protocol is
// location_update.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// incomingFrame is the superset shape used to classify inbound frames.
type incomingFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ResponseError  `json:"error"`
}

// ParseIncoming classifies a raw inbound frame as either a response (id present, no method) or a notification (method
// present, no id). Exactly one of the returns is non-nil on success.
func ParseIncoming(data []byte) (*Response, *Notification, error) {
	var f incomingFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.JSONRPC != Version {
		return nil, nil, fmt.Errorf("unsupported jsonrpc version %q", f.JSONRPC)
	}

	switch {
	case f.Method != "" && f.ID == nil:
		return nil, &Notification{JSONRPC: f.JSONRPC, Method: f.Method, Params: f.Params}, nil
	case f.Method == "" && f.ID != nil:
		return &Response{JSONRPC: f.JSONRPC, ID: *f.ID, Result: f.Result, Error: f.Error}, nil, nil
	default:
		return nil, nil, fmt.Errorf("frame is neither a response nor a notification")
	}
}
