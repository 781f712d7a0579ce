// Package wire defines the JSON envelope exchanged over the session
// WebSocket and the classifier labels used to report errors consistently.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type tags. Every envelope carries exactly one of these in its
// "type" field.
const (
	TypeStart      = "start"
	TypeCancel     = "cancel"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeEnd        = "end"
	TypeChatPrompt = "chat_prompt"
	TypeAck        = "ack"
	TypeToolcall   = "toolcall"
	TypeToken      = "token"
	TypeFinal      = "final"
	TypeDone       = "done"
	TypeError      = "error"
)

// Error codes used in the "code" field of an error frame.
const (
	ErrAuthenticationFailed = "authentication_failed"
	ErrServerAtCapacity     = "server_at_capacity"
	ErrMessageRateLimited   = "message_rate_limited"
	ErrCancelRateLimited    = "cancel_rate_limited"
	ErrInvalidPayload       = "invalid_payload"
	ErrInvalidSettings      = "invalid_settings"
	ErrValidation           = "validation_error"
	ErrMissingSessionID     = "missing_session_id"
	ErrInvalidMessage       = "invalid_message"
	ErrUnknownMessageType   = "unknown_message_type"
	ErrInternal             = "internal_error"
	ErrTimeout              = "timeout"
	ErrEngineNotReady       = "engine_not_ready"
)

// Close codes, mirrored from spec.md §6.
const (
	CloseGraceful       = 1000
	CloseIdleTimeout    = 4000
	CloseAuthFailed     = 4401
	CloseServerCapacity = 4503
)

// HistoryTurn is one turn of prior conversation supplied by the client.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOverrides carries optional per-turn sampling knobs. A nil pointer
// field means "use the server default".
type SamplingOverrides struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

// InboundEnvelope is the superset of fields any client→server frame may
// carry. Parse validates "type" and leaves type-specific validation to the
// caller (internal/validate).
type InboundEnvelope struct {
	Type string `json:"type"`

	// start
	SessionID     string             `json:"session_id,omitempty"`
	Gender        string             `json:"gender,omitempty"`
	Personality   string             `json:"personality,omitempty"`
	ChatPrompt    string             `json:"chat_prompt,omitempty"`
	History       []HistoryTurn      `json:"history,omitempty"`
	UserUtterance string             `json:"user_utterance,omitempty"`
	Sampling      *SamplingOverrides `json:"sampling,omitempty"`
}

// ErrMalformed is returned by Parse when the envelope is not valid JSON or
// is missing a "type" field.
var ErrMalformed = errors.New("malformed envelope")

// Parse decodes one inbound WebSocket frame.
func Parse(data []byte) (*InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// --- Outbound frame constructors ---
// Each returns a value ready for json.Marshal. Keeping these as small
// structs (rather than map[string]any) makes the field set self-documenting
// and prevents typos in wire field names from reaching the client.

type ackFrame struct {
	Type      string `json:"type"`
	For       string `json:"for"`
	RequestID string `json:"request_id,omitempty"`
	Code      int    `json:"code"`
}

// Ack builds an {"type":"ack",...} frame.
func Ack(forType, requestID string, code int) any {
	return ackFrame{Type: TypeAck, For: forType, RequestID: requestID, Code: code}
}

type toolRef struct {
	Name string `json:"name"`
}

type toolcallFrame struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Raw       []toolRef `json:"raw"`
	RequestID string    `json:"request_id"`
}

// Toolcall builds a {"type":"toolcall",...} frame. yes=true emits
// raw=[{"name":"take_screenshot"}]; yes=false emits raw=[].
func Toolcall(requestID string, yes bool) any {
	raw := []toolRef{}
	status := "no"
	if yes {
		status = "yes"
		raw = []toolRef{{Name: "take_screenshot"}}
	}
	return toolcallFrame{Type: TypeToolcall, Status: status, Raw: raw, RequestID: requestID}
}

type tokenFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	RequestID string `json:"request_id"`
}

// Token builds a {"type":"token",...} frame.
func Token(requestID, text string) any {
	return tokenFrame{Type: TypeToken, Text: text, RequestID: requestID}
}

type finalFrame struct {
	Type           string `json:"type"`
	NormalizedText string `json:"normalized_text"`
	RequestID      string `json:"request_id"`
}

// Final builds a {"type":"final",...} frame.
func Final(requestID, normalizedText string) any {
	return finalFrame{Type: TypeFinal, NormalizedText: normalizedText, RequestID: requestID}
}

type doneFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Done builds a {"type":"done",...} frame.
func Done(requestID string, cancelled bool) any {
	return doneFrame{Type: TypeDone, RequestID: requestID, Cancelled: cancelled}
}

type errorFrame struct {
	Type            string  `json:"type"`
	Code            string  `json:"code"`
	Message         string  `json:"message"`
	RetryIn         float64 `json:"retry_in,omitempty"`
	FriendlyMessage string  `json:"friendly_message,omitempty"`
	Details         string  `json:"details,omitempty"`
}

// ErrorOpt customizes an Error frame.
type ErrorOpt func(*errorFrame)

// WithRetryIn sets the retry_in field (seconds).
func WithRetryIn(seconds float64) ErrorOpt { return func(f *errorFrame) { f.RetryIn = seconds } }

// WithFriendlyMessage sets an optional user-facing message.
func WithFriendlyMessage(msg string) ErrorOpt {
	return func(f *errorFrame) { f.FriendlyMessage = msg }
}

// WithDetails attaches optional diagnostic detail.
func WithDetails(details string) ErrorOpt { return func(f *errorFrame) { f.Details = details } }

// Error builds a {"type":"error",...} frame.
func Error(code, message string, opts ...ErrorOpt) any {
	f := errorFrame{Type: TypeError, Code: code, Message: message}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

type pongFrame struct {
	Type string `json:"type"`
}

// Pong builds the {"type":"pong"} reply.
func Pong() any { return pongFrame{Type: TypePong} }
