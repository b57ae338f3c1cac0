package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/ollama/ollama/api"
	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
)

// Ollama streams replies from an Ollama server.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}
}

// Stream implements session.Upstream. Each chunk of the Ollama response becomes a text part, and the
// final chunk a finish message carrying the token counts.
func (o Ollama) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		history := chatHistory(turns)
		msgs := make([]api.Message, len(history))
		for i, msg := range history {
			msgs[i] = api.Message{
				Role:    msg.Role,
				Content: msg.Content,
			}
		}
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, api.Message{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(datastream.Text{Text: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			if res.Done {
				o.logger.Debug("Chat done", slog.String("doneReason", res.DoneReason))
				if !yield(datastream.FinishMessage{
					FinishReason: finishReason(res.DoneReason),
					Usage: datastream.Usage{
						PromptTokens:     res.PromptEvalCount,
						CompletionTokens: res.EvalCount,
					},
				}, nil) {
					stopped = true
					cancel()
				}
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
		}
	}
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
