package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/llm-gateway/internal/apierr"
	"github.com/relaygate/llm-gateway/internal/provider"
)

func TestComplete_Success(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
	defer srv.Close()

	a := New(srv.URL, "sk-test", 0)
	resp, err := a.Complete(context.Background(), &provider.Request{
		Model:     "gpt-4o-mini",
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	assert.Equal(t, float64(64), gotBody["max_tokens"])
	assert.NotContains(t, gotBody, "stream")
}

func TestComplete_NoCredentialOmitsHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"id":"x","model":"m","choices":[{"message":{"content":"ok"}}],"usage":{}}`)
	}))
	defer srv.Close()

	a := New(srv.URL, "", 0)
	_, err := a.Complete(context.Background(), &provider.Request{Model: "m"})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestComplete_ErrorStatusMirrored(t *testing.T) {
	tests := []struct {
		status        int
		wantCode      string
		wantRetryable bool
	}{
		{http.StatusUnauthorized, "upstream_auth", false},
		{http.StatusTooManyRequests, "upstream_rate_limited", true},
		{http.StatusInternalServerError, "upstream_error", true},
		{http.StatusBadRequest, "upstream_error", false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			a := New(srv.URL, "k", 0)
			_, err := a.Complete(context.Background(), &provider.Request{Model: "m"})
			require.Error(t, err)

			aerr := apierr.From(err)
			assert.Equal(t, tc.status, aerr.Status)
			assert.Equal(t, tc.wantCode, aerr.Code)
			assert.Equal(t, tc.wantRetryable, aerr.Retryable)
			assert.Equal(t, "nope", aerr.Message)
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect
		// and cancels the request context; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := New(srv.URL, "k", 50*time.Millisecond)
	_, err := a.Complete(context.Background(), &provider.Request{Model: "m"})
	require.Error(t, err)

	aerr := apierr.From(err)
	assert.Equal(t, "upstream_timeout", aerr.Code)
	assert.Equal(t, http.StatusGatewayTimeout, aerr.Status)
	assert.True(t, aerr.Retryable)
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, ch <-chan provider.Chunk) []provider.Chunk {
	t.Helper()
	var out []provider.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestCompleteStream_ChunksAndUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"he"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"y"}}],"usage":null}`,
		`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	a := New(srv.URL, "k", 0)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 4)

	assert.Contains(t, string(chunks[0].Data), `"content":"he"`)
	assert.Nil(t, chunks[0].Usage)
	assert.Nil(t, chunks[1].Usage, "usage:null must not produce usage")
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 9, chunks[2].Usage.PromptTokens)
	assert.True(t, chunks[3].Done)
}

func TestCompleteStream_PrematureCloseIsError(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		// no [DONE]
	})
	defer srv.Close()

	a := New(srv.URL, "k", 0)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	require.Error(t, chunks[1].Err)

	aerr := apierr.From(chunks[1].Err)
	assert.Equal(t, "upstream_unreachable", aerr.Code)
	assert.True(t, aerr.Retryable)
}

func TestCompleteStream_ErrorStatusBeforeStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	a := New(srv.URL, "k", 0)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	aerr := apierr.From(chunks[0].Err)
	assert.Equal(t, "upstream_rate_limited", aerr.Code)
	assert.Equal(t, "slow down", aerr.Message)
}

func TestCompleteStream_MalformedPayloadForwarded(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {not json`,
		`data: [DONE]`,
	})
	defer srv.Close()

	a := New(srv.URL, "k", 0)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "{not json", string(chunks[0].Data))
	assert.Nil(t, chunks[0].Err)
	assert.True(t, chunks[1].Done)
}

func TestParseUsage(t *testing.T) {
	assert.Nil(t, ParseUsage([]byte(`{"usage":null}`)))
	assert.Nil(t, ParseUsage([]byte(`{}`)))
	assert.Nil(t, ParseUsage([]byte(`garbage`)))

	u := ParseUsage([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	require.NotNil(t, u)
	assert.Equal(t, 3, u.PromptTokens)
	assert.Equal(t, 4, u.CompletionTokens)
}
