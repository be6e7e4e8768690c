// Package proto implements the JSON action-envelope wire format spoken over
// the websocket: requests are {"action", "headers", "body"}, responses are
// {"status", "headers", "body"}. All body validation happens here, once, so
// downstream handlers never re-check field presence.
package proto

import (
	"encoding/json"
	"fmt"
)

// Actions accepted by the gateway.
const (
	ActionAuthenticate  = "authenticate"
	ActionQueueCreate   = "queue_create"
	ActionQueueDelete   = "queue_delete"
	ActionQueueList     = "queue_list"
	ActionQueueStats    = "queue_get_stats"
	ActionPostMessage   = "post_message"
	ActionMessageDelete = "message_delete"
	ActionClaimCreate   = "claim_create"
	ActionClaimGet      = "claim_get"
	ActionClaimUpdate   = "claim_update"
	ActionClaimDelete   = "claim_delete"
	ActionSubscribe     = "subscribe"
)

// Well-known header keys.
const (
	HeaderClientID  = "Client-ID"
	HeaderProjectID = "X-Project-ID"
	HeaderAuthToken = "X-Auth-Token"
	HeaderRequestID = "Request-ID"
	HeaderAction    = "Action"
	HeaderSeq       = "Seq"
	HeaderQueue     = "Queue"
)

type envelope struct {
	Action  string            `json:"action"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// Action is a decoded, validated request. Body holds one of the typed
// *Body structs below, selected by Name.
type Action struct {
	Name      string
	ClientID  string
	ProjectID string
	AuthToken string
	RequestID string
	Body      any
}

type PostedMessage struct {
	Body json.RawMessage `json:"body"`
	TTL  int64           `json:"ttl"`
}

type AuthenticateBody struct{}

type QueueCreateBody struct {
	QueueName string            `json:"queue_name"`
	Metadata  map[string]string `json:"metadata"`
}

type QueueDeleteBody struct {
	QueueName string `json:"queue_name"`
}

type QueueListBody struct{}

type QueueStatsBody struct {
	QueueName string `json:"queue_name"`
}

type PostMessageBody struct {
	QueueName string          `json:"queue_name"`
	Messages  []PostedMessage `json:"messages"`
}

type MessageDeleteBody struct {
	QueueName string `json:"queue_name"`
	MessageID string `json:"message_id"`
	ClaimID   string `json:"claim_id"`
}

// ClaimCreateBody uses pointers for the tunables so an explicit zero can
// be told apart from an omitted field, which falls back to server policy.
type ClaimCreateBody struct {
	QueueName string `json:"queue_name"`
	Limit     *int   `json:"limit"`
	TTL       *int64 `json:"ttl"`
	Grace     *int64 `json:"grace"`
}

type ClaimGetBody struct {
	QueueName string `json:"queue_name"`
	ClaimID   string `json:"claim_id"`
}

type ClaimUpdateBody struct {
	QueueName string `json:"queue_name"`
	ClaimID   string `json:"claim_id"`
	TTL       *int64 `json:"ttl"`
}

type ClaimDeleteBody struct {
	QueueName string `json:"queue_name"`
	ClaimID   string `json:"claim_id"`
}

type SubscribeBody struct {
	QueueName string `json:"queue_name"`
}

// DecodeError describes a malformed request. It carries the request
// correlation id when one could be extracted, so the error response can
// still be matched by the client.
type DecodeError struct {
	RequestID string
	Reason    string
}

func (e *DecodeError) Error() string { return e.Reason }

// Decode parses and validates a raw text frame. projectBound reports
// whether the session already carries a bound project, in which case the
// X-Project-ID header may be omitted.
func Decode(raw []byte, projectBound bool) (*Action, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("can't decode request: %v", err)}
	}
	act := &Action{
		Name:      env.Action,
		ClientID:  env.Headers[HeaderClientID],
		ProjectID: env.Headers[HeaderProjectID],
		AuthToken: env.Headers[HeaderAuthToken],
		RequestID: env.Headers[HeaderRequestID],
	}
	fail := func(format string, args ...any) (*Action, error) {
		return nil, &DecodeError{RequestID: act.RequestID, Reason: fmt.Sprintf(format, args...)}
	}
	if env.Action == "" {
		return fail("missing action field")
	}
	if act.ClientID == "" {
		return fail("missing %s header", HeaderClientID)
	}
	if act.ProjectID == "" && !projectBound {
		return fail("missing %s header", HeaderProjectID)
	}

	body := env.Body
	if len(body) == 0 {
		body = []byte("{}")
	}
	unmarshal := func(dst any) error {
		return json.Unmarshal(body, dst)
	}

	switch env.Action {
	case ActionAuthenticate:
		if act.AuthToken == "" {
			return fail("missing %s header", HeaderAuthToken)
		}
		act.Body = &AuthenticateBody{}
	case ActionQueueCreate:
		var b QueueCreateBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		act.Body = &b
	case ActionQueueDelete:
		var b QueueDeleteBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		act.Body = &b
	case ActionQueueList:
		act.Body = &QueueListBody{}
	case ActionQueueStats:
		var b QueueStatsBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		act.Body = &b
	case ActionPostMessage:
		var b PostMessageBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		if len(b.Messages) == 0 {
			return fail("%s requires at least one message", env.Action)
		}
		for i, m := range b.Messages {
			if len(m.Body) == 0 {
				return fail("message %d has no body", i)
			}
			if m.TTL < 0 {
				return fail("message %d has negative ttl", i)
			}
		}
		act.Body = &b
	case ActionMessageDelete:
		var b MessageDeleteBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" || b.MessageID == "" {
			return fail("%s requires queue_name and message_id", env.Action)
		}
		act.Body = &b
	case ActionClaimCreate:
		var b ClaimCreateBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		if b.Limit != nil && *b.Limit <= 0 {
			return fail("%s limit must be positive", env.Action)
		}
		if b.TTL != nil && *b.TTL < 0 {
			return fail("%s ttl must not be negative", env.Action)
		}
		if b.Grace != nil && *b.Grace < 0 {
			return fail("%s grace must not be negative", env.Action)
		}
		act.Body = &b
	case ActionClaimGet:
		var b ClaimGetBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" || b.ClaimID == "" {
			return fail("%s requires queue_name and claim_id", env.Action)
		}
		act.Body = &b
	case ActionClaimUpdate:
		var b ClaimUpdateBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" || b.ClaimID == "" {
			return fail("%s requires queue_name and claim_id", env.Action)
		}
		if b.TTL != nil && *b.TTL < 0 {
			return fail("%s ttl must not be negative", env.Action)
		}
		act.Body = &b
	case ActionClaimDelete:
		var b ClaimDeleteBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" || b.ClaimID == "" {
			return fail("%s requires queue_name and claim_id", env.Action)
		}
		act.Body = &b
	case ActionSubscribe:
		var b SubscribeBody
		if err := unmarshal(&b); err != nil {
			return fail("invalid %s body: %v", env.Action, err)
		}
		if b.QueueName == "" {
			return fail("%s requires queue_name", env.Action)
		}
		act.Body = &b
	default:
		return fail("unknown action: %s", env.Action)
	}
	return act, nil
}
