package trace

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Regexp(t, hexID, id)
		assert.False(t, seen[id], "trace ids must not repeat")
		seen[id] = true
	}
}

func TestSpanLifecycle(t *testing.T) {
	s := NewStore(8)
	tr := s.Begin("acme", "chat-default")
	assert.Regexp(t, hexID, tr.ID)

	outer := tr.StartSpan("gateway.dispatch")
	child := tr.StartSpan("genai.provider.openai_compatible")
	child.SetAttr("model", "gpt-4o-mini")
	child.SetAttr("promptTokens", "12")
	child.End()
	outer.Fail("upstream_error")
	tr.Finalize()

	spans := tr.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, StatusOK, spans[1].Status)
	assert.Equal(t, "12", spans[1].Attrs["promptTokens"])
	assert.Equal(t, StatusError, spans[0].Status)
	assert.Equal(t, "upstream_error", spans[0].Attrs["error"])
	assert.False(t, spans[1].EndTime.IsZero())
}

func TestImmutableAfterFinalize(t *testing.T) {
	s := NewStore(8)
	tr := s.Begin("acme", "chat-default")
	tr.StartSpan("gateway.dispatch").End()
	tr.Finalize()

	assert.Nil(t, tr.StartSpan("late"))
	assert.Len(t, tr.Spans(), 1)

	// Nil span methods are no-ops, not panics.
	late := tr.StartSpan("late")
	late.SetAttr("k", "v")
	late.End()
	late.Fail("x")
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	first := s.Begin("a", "m")
	second := s.Begin("b", "m")
	third := s.Begin("c", "m")

	_, ok := s.Get(first.ID)
	assert.False(t, ok, "oldest trace evicted at capacity")
	_, ok = s.Get(second.ID)
	assert.True(t, ok)
	_, ok = s.Get(third.ID)
	assert.True(t, ok)
}

func TestRecentNewestFirst(t *testing.T) {
	s := NewStore(8)
	s.Begin("a", "m1")
	s.Begin("b", "m2")
	s.Begin("c", "m3")

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Tenant)
	assert.Equal(t, "b", recent[1].Tenant)

	all := s.Recent(0)
	assert.Len(t, all, 3)
}
