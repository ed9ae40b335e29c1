package cerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := Wrap(ConnectionTimeout, "connecting", errors.New("deadline"))
	assert.Equal(t, ConnectionTimeout, CodeOf(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, ConnectionTimeout, CodeOf(wrapped))

	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))
	assert.Equal(t, Unknown, CodeOf(nil))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(New(Cancelled, "stopped")))
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(fmt.Errorf("call: %w", context.Canceled)))
	assert.False(t, IsCancelled(New(ConnectionFailed, "boom")))
	assert.False(t, IsCancelled(context.DeadlineExceeded))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(CapabilityMissing, "tools missing", errors.New("cause"))
	assert.Equal(t, "[CAPABILITY_MISSING] tools missing: cause", err.Error())
	assert.Equal(t, "cause", errors.Unwrap(err).Error())

	bare := New(Cancelled, "run cancelled")
	assert.Equal(t, "[CANCELLED] run cancelled", bare.Error())
}
