package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/relaygate/llm-gateway/internal/apierr"
	"github.com/relaygate/llm-gateway/internal/provider"
)

// The relay is a state machine: INIT until the first upstream byte,
// STREAMING while forwarding, then terminally DONE or ERROR.
type streamState int

const (
	stateInit streamState = iota
	stateStreaming
	stateDone
	stateError
)

type streamOutcome struct {
	state         streamState
	usage         provider.Usage
	usageObserved bool
	content       string // concatenated delta content, for the usage fallback estimate
	headersSent   bool
	cancelled     bool
	err           error
}

// relayStream forwards upstream chunks to the client as SSE. Response
// headers are written only once a forwardable chunk arrives, so a
// failure before the first byte can still be rendered as a JSON error
// by the caller. Raw payloads are forwarded verbatim; usage carried on
// any chunk is retained, the most recent observation winning.
func relayStream(ctx context.Context, w http.ResponseWriter, ch <-chan provider.Chunk) *streamOutcome {
	out := &streamOutcome{state: stateInit}
	var content strings.Builder
	var flusher http.Flusher

	sendHeaders := func() bool {
		if out.headersSent {
			return flusher != nil
		}
		f, ok := w.(http.Flusher)
		if !ok {
			out.err = apierr.From(fmt.Errorf("streaming unsupported by connection"))
			return false
		}
		flusher = f
		// Streams carry no hard deadline; lift the server's write
		// timeout for this response so long relays are not cut off.
		// Not every ResponseWriter supports it (test recorders don't).
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		out.headersSent = true
		return true
	}

	defer func() { out.content = content.String() }()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect or cancellation: stop forwarding; the
			// upstream call shares this context and aborts with us.
			out.state = stateError
			out.cancelled = true
			out.err = ctx.Err()
			return out

		case chunk, ok := <-ch:
			if !ok {
				if out.state != stateDone {
					out.state = stateError
					out.err = apierr.UpstreamTransport("", fmt.Errorf("upstream stream ended without [DONE]"))
				}
				return out
			}

			switch {
			case chunk.Err != nil:
				out.state = stateError
				out.err = chunk.Err
				if ctx.Err() != nil {
					out.cancelled = true
				}
				return out

			case chunk.Done:
				if !sendHeaders() {
					out.state = stateError
					return out
				}
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				out.state = stateDone
				return out

			default:
				if chunk.Usage != nil {
					out.usage = *chunk.Usage
					out.usageObserved = true
				}
				if len(chunk.Data) == 0 {
					continue
				}
				if !sendHeaders() {
					out.state = stateError
					return out
				}
				out.state = stateStreaming
				fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
				flusher.Flush()
				if c := gjson.GetBytes(chunk.Data, "choices.0.delta.content"); c.Exists() {
					content.WriteString(c.String())
				}
			}
		}
	}
}
