package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams replies from the OpenRouter API.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Seed        *int                `json:"seed,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Usage   *openRouterUsage            `json:"usage"`
}

type openRouterStreamingChoice struct {
	Delta        openRouterMessage `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
func NewOpenRouter(apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     openRouterAPIEndpoint,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Stream implements session.Upstream. OpenRouter answers with server-sent events carrying OpenAI style
// chunks, terminated by a [DONE] event.
func (o OpenRouter) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		resp, err := o.doRequest(ctx, turns)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		finish := datastream.FinishMessage{FinishReason: datastream.FinishReasonUnknown}
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event",
				slog.String("event", ev.Data),
			)

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(nil, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if res.Usage != nil {
				finish.Usage = datastream.Usage{
					PromptTokens:     res.Usage.PromptTokens,
					CompletionTokens: res.Usage.CompletionTokens,
				}
			}

			if len(res.Choices) == 0 {
				continue
			}
			choice := res.Choices[0]

			if choice.FinishReason != "" {
				finish.FinishReason = finishReason(choice.FinishReason)
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

func (o OpenRouter) doRequest(ctx context.Context, turns []models.Turn) (*http.Response, error) {
	history := chatHistory(turns)
	msgs := make([]openRouterMessage, 0, len(history)+1)
	for _, msg := range history {
		msgs = append(msgs, openRouterMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	if o.systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, openRouterMessage{
			Role:    "system",
			Content: o.systemPrompt,
		})
	}

	reqBody := openRouterChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Stream:      true,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		Stop:        o.params.Stop,
		Seed:        o.params.Seed,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/shintt/article.ui/")
	req.Header.Set("X-Title", "article.ui")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
