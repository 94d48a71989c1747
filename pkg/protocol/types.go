// Package protocol defines the wire types for the daemon control socket.
// Frames are newline-delimited JSON objects: requests carry {id, method,
// params}, responses {id, result} or {id, error}, and server-to-client
// notifications {method, params}.
package protocol

import "encoding/json"

// Request represents a client request frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a server response frame.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a server push frame. Notifications carry no id
// and expect no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents an error attached to a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes plus the server-defined range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined codes (-32000..-32099)
	CodeServerError      = -32000
	CodeNotFound         = -32001
	CodeInvalidOperation = -32002
	CodeUnavailable      = -32003
)

// NewError builds an Error with no data attachment.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewResponse builds a success response, marshaling result. A marshal
// failure degrades to an internal error response.
func NewResponse(id string, result interface{}) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: id, Error: NewError(CodeInternalError, "failed to encode result: "+err.Error())}
	}
	return &Response{ID: id, Result: data}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, rpcErr *Error) *Response {
	return &Response{ID: id, Error: rpcErr}
}

// NewNotification builds a notification frame, marshaling params.
func NewNotification(method string, params interface{}) (*Notification, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: data}, nil
}
