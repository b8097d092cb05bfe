package correlation

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var idShape = regexp.MustCompile(`^openspec_[0-9a-z]+_[0-9a-z]{16}$`)

func TestNewIDShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Regexp(t, idShape, NewID())
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ID(ctx))

	ctx = WithID(ctx, "openspec_abc_def")
	assert.Equal(t, "openspec_abc_def", ID(ctx))
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx, first := Ensure(context.Background())
	assert.NotEmpty(t, first)

	ctx2, second := Ensure(ctx)
	assert.Equal(t, first, second)
	assert.Equal(t, ctx, ctx2)
}
