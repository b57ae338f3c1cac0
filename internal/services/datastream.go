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

	"github.com/shintt/article.ui/internal/datastream"
	"github.com/shintt/article.ui/internal/models"
)

// DataStream streams replies from an endpoint that speaks the data stream protocol natively. The
// transcript is posted as {"messages": [...]} and the response body is read part by part.
type DataStream struct {
	url string

	client *http.Client

	logger *slog.Logger
}

type dataStreamRequest struct {
	Messages []models.Turn `json:"messages"`
}

// DefaultDataStreamURL is where the chat backend listens by default.
const DefaultDataStreamURL = "http://127.0.0.1:8000/api/chat"

// NewDataStream creates a DataStream posting to url.
func NewDataStream(url string, logger *slog.Logger) DataStream {
	return DataStream{
		url:    url,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "datastream")),
	}
}

// Stream implements session.Upstream.
func (d DataStream) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[datastream.Part, error] {
	return func(yield func(datastream.Part, error) bool) {
		resp, err := d.doRequest(ctx, turns)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if v := resp.Header.Get(datastream.HeaderName); v != "" && v != datastream.HeaderValue {
			d.logger.Warn("Unexpected data stream version", slog.String("version", v))
		}

		for part, err := range datastream.Read(resp.Body) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("error reading response: %w", err))
				return
			}
			if !yield(part, nil) {
				return
			}
		}
	}
}

func (d DataStream) doRequest(ctx context.Context, turns []models.Turn) (*http.Response, error) {
	jsonBody, err := json.Marshal(dataStreamRequest{Messages: turns})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	d.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
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
