// Package anthropic implements the anthropic provider family. Outbound
// calls use the messages API; streaming responses are normalized into
// OpenAI-shaped chat.completion.chunk payloads so the client-facing
// relay stays uniform across provider families.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/relaygate/llm-gateway/internal/apierr"
	"github.com/relaygate/llm-gateway/internal/provider"
)

const (
	Name       = "anthropic"
	apiVersion = "2023-06-01"

	// The messages API requires max_tokens.
	fallbackMaxTokens = 4096
)

type Adapter struct {
	endpoint   string
	credential string
	timeout    time.Duration
	client     *http.Client
}

func New(endpoint, credential string, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	return &Adapter{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		credential: credential,
		timeout:    timeout,
		client:     &http.Client{},
	}
}

func (a *Adapter) Name() string { return Name }

type messagesRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []provider.Message `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// mapRequest lifts system messages out of the list, which the messages
// API carries as a top-level field.
func mapRequest(req *provider.Request, stream bool) messagesRequest {
	var system string
	messages := make([]provider.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, provider.Message{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = fallbackMaxTokens
	}

	return messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (a *Adapter) newRequest(ctx context.Context, req *provider.Request, stream bool) (*http.Request, error) {
	raw, err := json.Marshal(mapRequest(req, stream))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", a.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", apiVersion)
	if a.credential != "" {
		httpReq.Header.Set("x-api-key", a.credential)
	}
	return httpReq, nil
}

func upstreamError(status int, body []byte) *apierr.Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return apierr.Upstream(status, Name, msg)
}

func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := a.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.Timeout(Name)
		}
		return nil, apierr.UpstreamTransport(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, upstreamError(resp.StatusCode, raw)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.Timeout(Name)
		}
		return nil, apierr.UpstreamTransport(Name, err)
	}

	var content strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}
	if content.Len() == 0 && len(out.Content) == 0 {
		return nil, apierr.Upstream(http.StatusBadGateway, Name, "upstream returned no content")
	}

	return &provider.Response{
		ID:      out.ID,
		Content: content.String(),
		Model:   out.Model,
		Usage: provider.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// chunkEnvelope is the OpenAI-shaped frame streamed to clients.
type chunkEnvelope struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index int        `json:"index"`
	Delta chunkDelta `json:"delta"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

func (a *Adapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	httpReq, err := a.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			emit(ctx, ch, provider.Chunk{Err: apierr.UpstreamTransport(Name, err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			emit(ctx, ch, provider.Chunk{Err: upstreamError(resp.StatusCode, raw)})
			return
		}

		var (
			usage        provider.Usage
			messageID    string
			currentEvent string
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := []byte(strings.TrimPrefix(line, "data: "))

			switch currentEvent {
			case "message_start":
				messageID = gjson.GetBytes(payload, "message.id").String()
				if in := gjson.GetBytes(payload, "message.usage.input_tokens"); in.Exists() {
					usage.PromptTokens = int(in.Int())
					u := usage
					if !emit(ctx, ch, provider.Chunk{Usage: &u}) {
						return
					}
				}
			case "content_block_delta":
				text := gjson.GetBytes(payload, "delta.text").String()
				if text == "" {
					continue
				}
				frame, err := json.Marshal(chunkEnvelope{
					ID:      messageID,
					Object:  "chat.completion.chunk",
					Model:   req.Model,
					Choices: []chunkChoice{{Delta: chunkDelta{Content: text}}},
				})
				if err != nil {
					continue
				}
				if !emit(ctx, ch, provider.Chunk{Data: frame}) {
					return
				}
			case "message_delta":
				if out := gjson.GetBytes(payload, "usage.output_tokens"); out.Exists() {
					usage.CompletionTokens = int(out.Int())
					u := usage
					if !emit(ctx, ch, provider.Chunk{Usage: &u}) {
						return
					}
				}
			case "message_stop":
				emit(ctx, ch, provider.Chunk{Done: true})
				return
			case "error":
				msg := gjson.GetBytes(payload, "error.message").String()
				if msg == "" {
					msg = "upstream stream error"
				}
				emit(ctx, ch, provider.Chunk{Err: apierr.Upstream(http.StatusBadGateway, Name, msg)})
				return
			}
		}

		err = scanner.Err()
		if err == nil {
			err = errors.New("stream closed before message_stop")
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		emit(ctx, ch, provider.Chunk{Err: apierr.UpstreamTransport(Name, err)})
	}()

	return ch, nil
}

func emit(ctx context.Context, ch chan<- provider.Chunk, c provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
