// Package openai implements the openai_compatible provider family:
// any upstream speaking the OpenAI chat-completions protocol, hosted
// or local.
package openai

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

const Name = "openai_compatible"

type Adapter struct {
	endpoint   string // base URL, e.g. https://api.openai.com/v1
	credential string // resolved bearer token, empty for open endpoints
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

type chatRequest struct {
	Model         string             `json:"model"`
	Messages      []provider.Message `json:"messages"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *streamOptions     `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message provider.Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) newRequest(ctx context.Context, req *provider.Request, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", a.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Open and local endpoints run without a credential.
	if a.credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.credential)
	}
	return httpReq, nil
}

// upstreamError extracts the provider message from an error body and
// maps the status into the gateway taxonomy.
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

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.Timeout(Name)
		}
		return nil, apierr.UpstreamTransport(Name, err)
	}
	if len(out.Choices) == 0 {
		return nil, apierr.Upstream(http.StatusBadGateway, Name, "upstream returned no choices")
	}

	return &provider.Response{
		ID:      out.ID,
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Usage: provider.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

// CompleteStream issues the streaming call and yields typed chunks.
// Raw `data:` payloads are forwarded verbatim; usage is captured from
// any chunk that carries it (the most recent wins); malformed JSON is
// forwarded but never interrupts the stream.
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				emit(ctx, ch, provider.Chunk{Done: true})
				return
			}
			chunk := provider.Chunk{Data: []byte(payload)}
			if u := ParseUsage([]byte(payload)); u != nil {
				chunk.Usage = u
			}
			if !emit(ctx, ch, chunk) {
				return
			}
		}

		// EOF or read error before [DONE] is a premature close.
		err = scanner.Err()
		if err == nil {
			err = errors.New("stream closed before [DONE]")
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

// ParseUsage extracts a usage object from one stream payload. Returns
// nil for payloads without usage, including `"usage": null` chunks and
// malformed JSON.
func ParseUsage(payload []byte) *provider.Usage {
	u := gjson.GetBytes(payload, "usage")
	if !u.IsObject() {
		return nil
	}
	return &provider.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
	}
}
