package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceStatusTransitions(t *testing.T) {
	assert.True(t, InstanceStatusStarting.CanTransition(InstanceStatusRunning))
	assert.True(t, InstanceStatusStarting.CanTransition(InstanceStatusStopping))
	assert.True(t, InstanceStatusRunning.CanTransition(InstanceStatusError))
	assert.True(t, InstanceStatusStopping.CanTransition(InstanceStatusStopped))

	assert.False(t, InstanceStatusStarting.CanTransition(InstanceStatusStopped))
	assert.False(t, InstanceStatusRunning.CanTransition(InstanceStatusStarting))
	assert.False(t, InstanceStatusStopped.CanTransition(InstanceStatusRunning))
	assert.False(t, InstanceStatusError.CanTransition(InstanceStatusStopping))
}

func TestInstanceStatusTerminal(t *testing.T) {
	assert.True(t, InstanceStatusStopped.Terminal())
	assert.True(t, InstanceStatusError.Terminal())
	assert.False(t, InstanceStatusStarting.Terminal())
	assert.False(t, InstanceStatusStopping.Terminal())
}

func TestProfileIDStable(t *testing.T) {
	id := ProfileID("work")
	assert.Equal(t, id, ProfileID("work"))
	assert.NotEqual(t, id, ProfileID("personal"))
	assert.Len(t, id, len("prof_")+8)
}

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("launch: %w", NewError(KindPortInUse, "port %s is in use", "9868"))

	assert.True(t, errors.Is(err, ErrPortInUse))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindPortInUse, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "port 9868 is in use")
}
