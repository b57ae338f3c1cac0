// Package services provides the chat endpoints a session can stream replies from. Every endpoint
// implements session.Upstream and reports its reply as data stream parts, whatever protocol it speaks on
// the wire.
package services

import (
	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
)

// LLMParameters contains the optional sampling parameters forwarded to provider endpoints.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

type historyMessage struct {
	Role    string
	Content string
}

// chatHistory flattens the transcript for provider endpoints, which only take plain text turns. Turns
// without text, such as a reply that consisted of tool calls only, are left out.
func chatHistory(turns []models.Turn) []historyMessage {
	msgs := make([]historyMessage, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, historyMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return msgs
}

// finishReason maps the finish reasons of OpenAI compatible endpoints.
func finishReason(reason string) datastream.FinishReason {
	switch reason {
	case "stop", "end_turn", "stop_sequence":
		return datastream.FinishReasonStop
	case "length", "max_tokens":
		return datastream.FinishReasonLength
	case "content_filter":
		return datastream.FinishReasonContentFilter
	case "tool_calls", "function_call", "tool_use":
		return datastream.FinishReasonToolCalls
	case "":
		return datastream.FinishReasonUnknown
	default:
		return datastream.FinishReasonOther
	}
}
