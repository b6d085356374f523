package enforce

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	h1 := newHarness(t)
	h2 := newHarness(t)
	h2.engine.opts.ID = "archive"

	require.NoError(t, r.Add(h1.engine))
	require.NoError(t, r.Add(h2.engine))
	assert.Error(t, r.Add(h1.engine))

	got, err := r.Get("shared")
	require.NoError(t, err)
	assert.Same(t, h1.engine, got)
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "archive", list[0].ID())
	assert.Equal(t, "shared", list[1].ID())

	assert.ErrorIs(t, r.Remove("nope"), ErrNotFound)
	require.NoError(t, r.Remove("archive"))
	assert.True(t, h2.engine.isClosed())
	assert.Len(t, r.List(), 1)
}

func TestRegistry_JobSkipsRemovedObjects(t *testing.T) {
	r := NewRegistry(nil)
	h := newHarness(t)
	require.NoError(t, r.Add(h.engine))

	calls := 0
	job := r.Job("shared", func(e *Engine) error {
		calls++
		return errors.New("ran")
	})
	assert.EqualError(t, job(), "ran")

	require.NoError(t, r.Remove("shared"))
	assert.NoError(t, job())
	assert.Equal(t, 1, calls)
}

func TestRegistry_ExpireAndClose(t *testing.T) {
	r := NewRegistry(nil)
	h := newHarness(t)
	require.NoError(t, r.Add(h.engine))
	require.NoError(t, h.engine.FastCheck(h.touch(t, "f")))

	h.clock.Advance(DefaultExpireWindow)
	assert.Equal(t, 1, r.ExpireEvents())

	r.Close()
	assert.Empty(t, r.List())
	assert.True(t, h.engine.isClosed())
}
