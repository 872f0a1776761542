package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewContext_RoundTrip(t *testing.T) {
	ctx, st := NewContext(context.Background(), "w1")
	st.Set("target", "c1")
	st.Set("target", "c2")
	st.Set("kind", "tags")

	got := FromContext(ctx)
	assert.Same(t, st, got)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, map[string]string{"target": "c2", "kind": "tags"}, got.Details)
}

func TestFromContext_NoScope(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, FromContext(context.WithValue(context.Background(), scopeKey{}, "not a state")))
}

func TestNewContext_ScopesAreIndependent(t *testing.T) {
	parent, outer := NewContext(context.Background(), "w1")
	inner, st := NewContext(parent, "w1")
	st.Set("k", "v")

	assert.Nil(t, outer.Details)
	assert.Same(t, st, FromContext(inner))
	assert.Same(t, outer, FromContext(parent))
}
