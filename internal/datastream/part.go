// Package datastream implements the data stream protocol spoken by chat endpoints: a response body made
// of newline-terminated parts, each written as a one character type code, a colon and a compact JSON
// value, for example `0:"Hello"` for a text delta.
package datastream

import "encoding/json"

// Code identifies the type of a part.
type Code byte

// Part codes.
const (
	CodeText                   Code = '0'
	CodeData                   Code = '2'
	CodeError                  Code = '3'
	CodeMessageAnnotation      Code = '8'
	CodeToolCall               Code = '9'
	CodeToolResult             Code = 'a'
	CodeToolCallStreamingStart Code = 'b'
	CodeToolCallDelta          Code = 'c'
	CodeFinishMessage          Code = 'd'
	CodeFinishStep             Code = 'e'
	CodeStartStep              Code = 'f'
)

// HeaderName and HeaderValue mark a response body as a data stream.
const (
	HeaderName  = "x-vercel-ai-data-stream"
	HeaderValue = "v1"
)

// FinishReason tells why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content-filter"
	FinishReasonToolCalls     FinishReason = "tool-calls"
	FinishReasonError         FinishReason = "error"
	FinishReasonOther         FinishReason = "other"
	FinishReasonUnknown       FinishReason = "unknown"
)

// Part is one frame of a data stream.
type Part interface {
	Code() Code

	value() any
}

// Text is appended to the message content as it is received.
type Text struct {
	Text string
}

// Data carries JSON values attached to the message.
type Data struct {
	Values []json.RawMessage
}

// Error reports a failure on the endpoint side.
type Error struct {
	Message string
}

// MessageAnnotation carries JSON annotations attached to the message.
type MessageAnnotation struct {
	Values []json.RawMessage
}

// ToolCall is a complete tool call with its arguments.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolResult is the result of a previously announced tool call.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

// ToolCallStreamingStart announces a tool call whose arguments will follow as deltas.
type ToolCallStreamingStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

// ToolCallDelta is a piece of the argument text of a streaming tool call.
type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

// Usage counts the tokens consumed by a step or message.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// FinishMessage ends the message.
type FinishMessage struct {
	FinishReason FinishReason `json:"finishReason"`
	Usage        Usage        `json:"usage"`
}

// FinishStep ends one step, i.e. one model call on the endpoint side.
type FinishStep struct {
	FinishReason FinishReason `json:"finishReason"`
	Usage        Usage        `json:"usage"`
	IsContinued  bool         `json:"isContinued"`
}

// StartStep begins a step.
type StartStep struct {
	ID string `json:"id"`
}

func (Text) Code() Code                   { return CodeText }
func (Data) Code() Code                   { return CodeData }
func (Error) Code() Code                  { return CodeError }
func (MessageAnnotation) Code() Code      { return CodeMessageAnnotation }
func (ToolCall) Code() Code               { return CodeToolCall }
func (ToolResult) Code() Code             { return CodeToolResult }
func (ToolCallStreamingStart) Code() Code { return CodeToolCallStreamingStart }
func (ToolCallDelta) Code() Code          { return CodeToolCallDelta }
func (FinishMessage) Code() Code          { return CodeFinishMessage }
func (FinishStep) Code() Code             { return CodeFinishStep }
func (StartStep) Code() Code              { return CodeStartStep }

func (p Text) value() any                   { return p.Text }
func (p Data) value() any                   { return nonNil(p.Values) }
func (p Error) value() any                  { return p.Message }
func (p MessageAnnotation) value() any      { return nonNil(p.Values) }
func (p ToolCall) value() any               { return p }
func (p ToolResult) value() any             { return p }
func (p ToolCallStreamingStart) value() any { return p }
func (p ToolCallDelta) value() any          { return p }
func (p FinishMessage) value() any          { return p }
func (p FinishStep) value() any             { return p }
func (p StartStep) value() any              { return p }

func nonNil(values []json.RawMessage) []json.RawMessage {
	if values == nil {
		return []json.RawMessage{}
	}
	return values
}

func (c Code) String() string {
	return string(c)
}
