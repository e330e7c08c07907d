package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/llm-gateway/internal/provider"
)

func deliver(chunks ...provider.Chunk) <-chan provider.Chunk {
	ch := make(chan provider.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestRelayStream_HeadersDeferredUntilFirstChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	out := relayStream(context.Background(), rec, deliver(
		provider.Chunk{Err: assert.AnError},
	))

	assert.Equal(t, stateError, out.state)
	assert.False(t, out.headersSent)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestRelayStream_ForwardsVerbatimAndAccumulates(t *testing.T) {
	rec := httptest.NewRecorder()
	out := relayStream(context.Background(), rec, deliver(
		provider.Chunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"a"}}]}`)},
		provider.Chunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"b"}}]}`)},
		provider.Chunk{Done: true},
	))

	require.Equal(t, stateDone, out.state)
	assert.Equal(t, "ab", out.content)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "data: {\"choices\"")
	assert.Contains(t, body, "data: [DONE]\n\n")
}

func TestRelayStream_LatestUsageWins(t *testing.T) {
	rec := httptest.NewRecorder()
	out := relayStream(context.Background(), rec, deliver(
		provider.Chunk{Usage: &provider.Usage{PromptTokens: 10}},
		provider.Chunk{Data: []byte(`{}`), Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 5}},
		provider.Chunk{Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 9}},
		provider.Chunk{Done: true},
	))

	require.Equal(t, stateDone, out.state)
	require.True(t, out.usageObserved)
	assert.Equal(t, 9, out.usage.CompletionTokens)
}

func TestRelayStream_UsageOnlyChunksNotForwarded(t *testing.T) {
	rec := httptest.NewRecorder()
	out := relayStream(context.Background(), rec, deliver(
		provider.Chunk{Usage: &provider.Usage{PromptTokens: 3}},
		provider.Chunk{Done: true},
	))

	require.Equal(t, stateDone, out.state)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

func TestRelayStream_ChannelClosedWithoutDone(t *testing.T) {
	rec := httptest.NewRecorder()
	out := relayStream(context.Background(), rec, deliver(
		provider.Chunk{Data: []byte(`{}`)},
	))

	assert.Equal(t, stateError, out.state)
	assert.Error(t, out.err)
	assert.True(t, out.headersSent)
}

func TestRelayStream_OutlivesServerWriteTimeout(t *testing.T) {
	ch := make(chan provider.Chunk)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := relayStream(r.Context(), w, ch)
		assert.Equal(t, stateDone, out.state)
	}))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	go func() {
		ch <- provider.Chunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"early"}}]}`)}
		// Deliver well past the server's write deadline; the relay
		// lifts it once headers go out.
		time.Sleep(300 * time.Millisecond)
		ch <- provider.Chunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"late"}}]}`)}
		ch <- provider.Chunk{Done: true}
		close(ch)
	}()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"late"`)
	assert.Contains(t, string(body), "data: [DONE]")
}

func TestRelayStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan provider.Chunk) // never delivers
	rec := httptest.NewRecorder()
	out := relayStream(ctx, rec, ch)

	assert.Equal(t, stateError, out.state)
	assert.True(t, out.cancelled)
}
