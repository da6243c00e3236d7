package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorConstruction(t *testing.T) {
	err := E(CodeNotFound, "workflow %q not found", "onboarding")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.False(t, err.Retryable)
	assert.Equal(t, `NotFound: workflow "onboarding" not found`, err.Error())

	transient := Transient(CodeRateLimited, "provider throttled")
	assert.True(t, transient.Retryable)
}

func TestIsCode(t *testing.T) {
	err := E(CodeVersionConflict, "stale snapshot")
	assert.True(t, IsCode(err, CodeVersionConflict))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), CodeVersionConflict))
	assert.False(t, IsCode(nil, CodeVersionConflict))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(CodeTimeout, "deadline")))
	assert.False(t, IsRetryable(E(CodeValidationFailed, "bad input")))
	assert.False(t, IsRetryable(errors.New("untyped")))
}

func TestAsErrorWrapsUntyped(t *testing.T) {
	wrapped := AsError(fmt.Errorf("disk full"))
	assert.Equal(t, CodeInternal, wrapped.Code)

	typed := E(CodeTerminalState, "already done")
	assert.Same(t, typed, AsError(typed))
}

func TestTerminalStates(t *testing.T) {
	for _, state := range []ExecutionState{ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
		assert.True(t, state.Terminal(), string(state))
	}
	for _, state := range []ExecutionState{ExecutionPending, ExecutionRunning, ExecutionPaused} {
		assert.False(t, state.Terminal(), string(state))
	}

	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepSkipped.Terminal())
	assert.False(t, StepAwaitingInput.Terminal())
}
