package services

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
)

// Anthropic streams replies from the Anthropic messages API.
type Anthropic struct {
	api *anthropic.Client

	model        string
	systemPrompt string
	maxTokens    int

	params LLMParameters

	logger *slog.Logger
}

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. An empty baseURL uses the public API.
func NewAnthropic(
	apiKey, baseURL, model, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *slog.Logger,
) Anthropic {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if base := normalizeAnthropicBaseURL(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)

	return Anthropic{
		api:          &client,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// The client appends the versioned path itself.
func normalizeAnthropicBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/")
}

// Stream implements session.Upstream. Text deltas become text parts; the message stop event ends the
// reply with a finish message built from the usage of the message start and message delta events.
func (a Anthropic) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		params := a.messageParams(turns)
		a.logger.Debug("Request",
			slog.String("model", string(params.Model)),
			slog.Int("messages", len(params.Messages)))

		stream := a.api.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		finish := datastream.FinishMessage{FinishReason: datastream.FinishReasonUnknown}
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				finish.Usage.PromptTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				d, ok := ev.Delta.AsAny().(anthropic.TextDelta)
				if !ok || d.Text == "" {
					continue
				}
				if !yield(datastream.Text{Text: d.Text}, nil) {
					return
				}
			case anthropic.MessageDeltaEvent:
				finish.FinishReason = finishReason(string(ev.Delta.StopReason))
				finish.Usage.CompletionTokens = int(ev.Usage.OutputTokens)
			case anthropic.MessageStopEvent:
				yield(finish, nil)
				return
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			yield(nil, fmt.Errorf("anthropic stream: %w", err))
			return
		}
		yield(finish, nil)
	}
}

func (a Anthropic) messageParams(turns []models.Turn) anthropic.MessageNewParams {
	history := chatHistory(turns)
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == string(models.RoleAssistant) {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(a.model),
		MaxTokens:     int64(a.maxTokens),
		Messages:      messages,
		StopSequences: a.params.Stop,
	}
	if a.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.systemPrompt}}
	}
	if a.params.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*a.params.Temperature))
	}
	if a.params.TopP != nil {
		params.TopP = anthropic.Float(float64(*a.params.TopP))
	}
	return params
}
