package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams replies from the OpenAI chat completion API or any endpoint compatible with it.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL selects the OpenAI API itself.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(turns []models.Turn) []goopenai.ChatCompletionMessage {
	history := chatHistory(turns)
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return msgs
}

// Stream implements session.Upstream on top of the streaming chat completion API. The usage reported
// by the last chunk is forwarded in the finish message.
func (o OpenAI) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		msgs := openAIMessages(turns)
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.systemPrompt,
			})
		}

		req := o.chatRequest(msgs)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		finish := datastream.FinishMessage{FinishReason: datastream.FinishReasonUnknown}
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(nil, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if response.Usage != nil {
				finish.Usage = datastream.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
				}
			}

			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if choice.FinishReason != "" {
				finish.FinishReason = finishReason(string(choice.FinishReason))
			}
			if choice.Delta.Content != "" {
				if !yield(datastream.Text{Text: choice.Delta.Content}, nil) {
					return
				}
			}
		}

		yield(finish, nil)
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &goopenai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}
