package proto

import (
	"encoding/json"
	"fmt"
)

type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// DeliveredMessage is the wire shape of a message handed to a consumer.
// Age is seconds since the message was enqueued.
type DeliveredMessage struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Age     int64           `json:"age"`
	ClaimID string          `json:"claim_id,omitempty"`
}

type MessagesBody struct {
	Messages []DeliveredMessage `json:"messages"`
}

type ClaimBody struct {
	ClaimID  string             `json:"claim_id"`
	TTL      int64              `json:"ttl"`
	Grace    int64              `json:"grace"`
	Messages []DeliveredMessage `json:"messages"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewResponse builds a response correlated to act. Headers echo the action
// name and the request id when the client sent one.
func NewResponse(act *Action, status int, body any) *Response {
	headers := make(map[string]string)
	if act != nil {
		headers[HeaderAction] = act.Name
		if act.RequestID != "" {
			headers[HeaderRequestID] = act.RequestID
		}
	}
	return &Response{Status: status, Headers: headers, Body: body}
}

func ErrorResponse(act *Action, status int, format string, args ...any) *Response {
	return NewResponse(act, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// DecodeErrorResponse turns a DecodeError into the 400 sent back to the
// client. Decode errors never crash the connection.
func DecodeErrorResponse(err *DecodeError) *Response {
	headers := make(map[string]string)
	if err.RequestID != "" {
		headers[HeaderRequestID] = err.RequestID
	}
	return &Response{Status: 400, Headers: headers, Body: errorBody{Error: err.Reason}}
}

// Notification builds a server-initiated push for a queue subscription.
func Notification(queue string, messages []DeliveredMessage) *Response {
	return &Response{
		Status:  200,
		Headers: map[string]string{HeaderAction: "notification", HeaderQueue: queue},
		Body:    MessagesBody{Messages: messages},
	}
}

func Encode(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}
