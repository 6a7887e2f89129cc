package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(NotFound, "session not found: %s", "abc")
	assert.Equal(t, NotFound, KindOf(err))
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Validation))

	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(Auth, "bad key")
	wrapped := fmt.Errorf("handling request: %w", inner)
	assert.True(t, Is(wrapped, Auth))
}

func TestContext(t *testing.T) {
	err := New(State, "wrong phase").With("phase", "reviewing").With("expected", []string{"fixing"})
	ctx := ContextOf(err)
	assert.Equal(t, "reviewing", ctx["phase"])

	assert.Nil(t, ContextOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, cause, "write session")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "storage")
	assert.Contains(t, err.Error(), "disk full")
}
